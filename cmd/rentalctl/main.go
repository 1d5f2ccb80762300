package main

import (
	"os"

	"github.com/gpu-rental/rentalctl/cmd/rentalctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
