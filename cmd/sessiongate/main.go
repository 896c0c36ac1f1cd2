package main

import (
	"context"
	"fmt"
	"os"

	"sessiongate/cmd/internal/cli"
)

func main() {
	if err := cli.Execute(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "sessiongate:", err)
		os.Exit(1)
	}
}
