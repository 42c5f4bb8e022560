// Package main is the entry point for m365-mailer.
package main

import (
	"os"

	"github.com/shineum/m365-mailer/internal/cli"
)

var version = "dev"

func main() {
	cli.SetVersion(version)
	os.Exit(cli.Execute())
}
