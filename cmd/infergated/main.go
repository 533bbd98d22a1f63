// Command infergated runs the inference gateway: it accepts websocket
// connections, authenticates them against a trusted token issuer, and relays
// prompts to the configured completion backend.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
