package main

import (
	"os"

	"github.com/tkingovr/pod-guard/cmd/podguard/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
