package main

import (
	"fmt"
	"os"

	"github.com/lsm/projector/internal/cli"
)

const usage = `projectorctl - projector toolkit

Usage:
  projectorctl <command> [arguments]

Commands:
  validate [path...]    Validate projector definitions and their CEL expressions
  produce               Produce events, optionally split into chunks
  consume               Consume and display events, optionally reassembling chunks

Run 'projectorctl <command> -h' for help on a specific command.`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		return nil
	}

	switch os.Args[1] {
	case "validate":
		return cli.RunValidate(os.Args[2:])
	case "produce":
		return cli.RunProduce(os.Args[2:])
	case "consume":
		return cli.RunConsume(os.Args[2:])
	case "-h", "--help", "help":
		fmt.Println(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\nRun 'projectorctl help' for usage", os.Args[1])
	}
}
