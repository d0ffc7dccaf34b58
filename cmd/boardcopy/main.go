package main

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/board-copier/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	if err := cli.BuildCLI().Execute(); err != nil {
		cli.PrintError(err)
		os.Exit(cli.ExitCode(err))
	}
}
