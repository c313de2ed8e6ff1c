package main

import (
	"fmt"
	"os"

	apperr "github.com/copyleftdev/hydrocal/internal/errors"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		if apperr.IsConfiguration(err) {
			fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}
