package main

import (
	"os"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/app"
)

func main() {
	runner := app.NewRunner()
	os.Exit(runner.Run(os.Args[1:]))
}
