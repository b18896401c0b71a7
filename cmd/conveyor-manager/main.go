// Package main provides the conveyor manager: the state execution engine and its API.
package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "conveyor-manager",
		Usage:                 "Execute deployment workflow states and track their delegate tasks",
		EnableShellCompletion: true,
		Commands: []*cli.Command{
			ServeCommand(),
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
