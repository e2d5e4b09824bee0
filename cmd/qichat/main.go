// qichat sends a chat-completion request through the multi-provider
// orchestrator and inspects its routing, cooldowns and audit log.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
