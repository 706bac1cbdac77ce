package main

import (
	"errors"
	"os"

	"github.com/tebeka/atexit"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			atexit.Exit(exitErr.code)
		}
		os.Exit(1)
	}

	atexit.Exit(0)
}
