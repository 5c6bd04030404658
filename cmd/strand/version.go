package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/strandml/strand/internal/version"
)

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the build version",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fmt.Println("strand " + version.String())
			return nil
		},
	}
}
