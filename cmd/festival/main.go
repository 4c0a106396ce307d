package main

import (
	"os"

	"github.com/hitoshi/festival/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		os.Exit(1)
	}
}
