package main

import (
	"fmt"
	"os"
)

func exitIfSet(errs ...error) {
	for _, err := range errs {
		if err != nil {
			exitWithError(err.Error())
		}
	}
}

func exitWithError(str string) {
	_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", str)
	os.Exit(1)
}
