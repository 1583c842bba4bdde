package main

import (
	"context"
	"errors"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Aliases:   []string{"v"},
		Usage:     "Check flow documents without executing them",
		ArgsUsage: "<flow file> [<flow file>...]",
		Action: func(ctx context.Context, command *cli.Command) error {
			if command.Args().Len() == 0 {
				return errors.New("expected at least one flow file")
			}

			failed := 0

			for _, path := range command.Args().Slice() {
				if _, err := flow.ParseFile(path); err != nil {
					failed++

					fmt.Printf("%s: INVALID\n  %v\n", path, err)

					continue
				}

				fmt.Printf("%s: OK\n", path)
			}

			if failed > 0 {
				return fmt.Errorf("%d of %d documents failed validation", failed, command.Args().Len())
			}

			return nil
		},
	}
}
