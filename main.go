package main

import (
	"github.com/sidkik/meadow/cmd"
	"github.com/sidkik/meadow/cmd/util"
)

func main() {
	defer util.HandlePanic()
	cmd.Execute()
}
