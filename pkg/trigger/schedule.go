// Package trigger starts flow executions from external stimuli. The only
// built-in trigger is the cron schedule; anything fancier belongs to the
// process embedding the engine.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/stepflow-io/stepflow/pkg/flow"
)

// Callback receives the trigger payload for one firing. Payload carries the
// firing timestamp under "timestamp"; schedule flows take their real inputs
// from defaults.
type Callback func(ctx context.Context, payload map[string]any) error

// Schedule fires a callback on a cron expression. One Schedule serves one
// flow document; a process scheduling many flows holds one Schedule each.
type Schedule struct {
	flowName string
	cronExpr string
	logger   *slog.Logger

	cron     *cron.Cron
	callback Callback
}

// NewSchedule builds a schedule trigger from a flow's trigger declaration.
func NewSchedule(flowName string, spec flow.TriggerSpec, logger *slog.Logger) (*Schedule, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if spec.Cron == "" {
		return nil, errors.New("schedule trigger requires a cron expression")
	}

	if _, err := cron.ParseStandard(spec.Cron); err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", spec.Cron, err)
	}

	return &Schedule{
		flowName: flowName,
		cronExpr: spec.Cron,
		logger: logger.With(
			"module", "schedule_trigger",
			"flow", flowName,
			"cron", spec.Cron,
		),
	}, nil
}

// Start registers the cron entry and begins firing. Overlapping firings are
// skipped rather than queued.
func (s *Schedule) Start(ctx context.Context, callback Callback) error {
	s.logger.Info("Starting schedule trigger")
	s.callback = callback

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := s.cron.AddFunc(s.cronExpr, s.fire); err != nil {
		return fmt.Errorf("failed to add cron job for flow %s: %w", s.flowName, err)
	}

	s.cron.Start()

	return nil
}

func (s *Schedule) fire() {
	s.logger.Info("Schedule fired")

	payload := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	go func() {
		if err := s.callback(context.Background(), payload); err != nil {
			s.logger.Error("Scheduled execution failed", "error", err)
		}
	}()
}

// Stop halts firing. Executions already started run to completion.
func (s *Schedule) Stop(context.Context) error {
	s.logger.Info("Stopping schedule trigger")

	if s.cron != nil {
		s.cron.Stop()
	}

	return nil
}
