package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/stepflow-io/stepflow/pkg/config"
	"github.com/stepflow-io/stepflow/pkg/engine"
	"github.com/stepflow-io/stepflow/pkg/events"
	"github.com/stepflow-io/stepflow/pkg/flow"
	"github.com/stepflow-io/stepflow/pkg/loader"
	"github.com/stepflow-io/stepflow/pkg/log"
	"github.com/stepflow-io/stepflow/pkg/registry"
	"github.com/stepflow-io/stepflow/pkg/tasks"
	"github.com/stepflow-io/stepflow/pkg/trigger"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Aliases:   []string{"r"},
		Usage:     "Execute a flow document",
		ArgsUsage: "<flow file>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "input",
				Aliases: []string{"i"},
				Usage:   "Flow input as key=value; values parse as JSON when possible (repeatable)",
			},
			&cli.BoolFlag{
				Name:  "events",
				Usage: "Stream execution events to stderr as JSON lines",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Print only the flow outputs",
			},
			&cli.BoolFlag{
				Name:  "scheduled",
				Usage: "Keep running and execute the flow on its declared schedule triggers",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			setup(command)

			if command.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one flow file, got %d arguments", command.Args().Len())
			}

			path := command.Args().First()

			doc, err := flow.ParseFile(path)
			if err != nil {
				return err
			}

			inputs, err := parseInputs(command.StringSlice("input"))
			if err != nil {
				return err
			}

			logger := log.WithModule("stepflow")

			reg := registry.NewRegistry(logger)
			tasks.RegisterAll(reg, logger)

			if err := config.BuildConnections(doc.Connections, reg); err != nil {
				return err
			}

			opts := []engine.Option{
				engine.WithLogger(logger),
				engine.WithSubflowResolver(loader.NewFileLoader(logger)),
				engine.WithFlowDir(filepath.Dir(path)),
			}

			if command.Bool("events") {
				busCtx, busStop := context.WithCancel(context.Background())
				defer busStop()

				bus := events.NewGoChannelBus(logger)

				stream, err := bus.Subscribe(busCtx)
				if err != nil {
					return err
				}

				var pending sync.WaitGroup

				drained := make(chan struct{})

				go func() {
					defer close(drained)

					encoder := json.NewEncoder(os.Stderr)

					for event := range stream {
						_ = encoder.Encode(event)
						pending.Done()
					}
				}()

				opts = append(opts, engine.WithListener(func(event events.Event) {
					pending.Add(1)

					if err := bus.Publish(event); err != nil {
						pending.Done()
						logger.Error("Failed to publish event", "error", err)
					}
				}))

				// Let in-flight events reach the terminal before exiting.
				defer func() {
					pending.Wait()
					busStop()
					<-drained
				}()
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			eng := engine.New(reg, opts...)

			if command.Bool("scheduled") {
				return runScheduled(ctx, logger, eng, doc, inputs)
			}

			result, err := eng.Execute(ctx, doc, inputs)
			if err != nil {
				return err
			}

			if !command.Bool("quiet") {
				logger.Info("Flow completed",
					"execution_id", result.ExecutionID,
					"duration_ms", result.ExecutionTimeMs,
				)
			}

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")

			return encoder.Encode(result.Outputs)
		},
	}
}

// runScheduled starts every declared schedule trigger and executes the flow
// on each firing until the process is interrupted.
func runScheduled(ctx context.Context, logger *slog.Logger, eng *engine.Engine, doc *flow.Flow, inputs map[string]any) error {
	var schedules []*trigger.Schedule

	for _, spec := range doc.Triggers {
		if spec.Type != "schedule" {
			logger.Warn("Skipping unsupported trigger", "type", spec.Type)

			continue
		}

		s, err := trigger.NewSchedule(doc.Name, spec, logger)
		if err != nil {
			return err
		}

		schedules = append(schedules, s)
	}

	if len(schedules) == 0 {
		return fmt.Errorf("flow %s declares no schedule triggers", doc.Name)
	}

	execute := func(ctx context.Context, _ map[string]any) error {
		_, err := eng.Execute(ctx, doc, inputs)

		return err
	}

	for _, s := range schedules {
		if err := s.Start(ctx, execute); err != nil {
			return err
		}
	}

	<-ctx.Done()

	for _, s := range schedules {
		_ = s.Stop(context.Background())
	}

	return nil
}

// parseInputs turns repeated key=value flags into a flow input map. Values
// that parse as JSON keep their JSON type; everything else is a string, so
// --input retries=3 is a number and --input name=Alice a string.
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))

	for _, pair := range pairs {
		key, raw, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", pair)
		}

		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			value = raw
		}

		inputs[key] = value
	}

	return inputs, nil
}
