package main

import (
	"os"

	"github.com/batsim-go/batsim/cmd/batsim/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
