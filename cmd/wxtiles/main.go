package main

import (
	"errors"
	"fmt"
	"os"

	"wxtiles/cmd/wxtiles/commands"
	"wxtiles/internal/pipeline"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, pipeline.ErrAlreadyRunning) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
