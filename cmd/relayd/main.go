package main

import (
	"os"

	"github.com/decisionwatch/relay/cmd/relayd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
