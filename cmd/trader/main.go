// Command trader places market orders through a web trading terminal.
package main

import (
	"os"

	"terminal-trader/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
