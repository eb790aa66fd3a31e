package main

import (
	"context"
	"os"
)

func main() {
	if err := NewRootCommand(os.Stdout, os.Stderr).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
