// Package schedule is the cron-like trigger that drives periodic lifecycle
// policy runs. It sits outside the core engine and only calls the runner.
package schedule

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/lcrawford/membank/internal/lifecycle"
	"github.com/lcrawford/membank/internal/memory"
)

// Scheduler runs the configured policies for every known project on a cron
// spec.
type Scheduler struct {
	cron     *cron.Cron
	runner   *lifecycle.Runner
	records  *memory.Service
	logger   *zap.Logger
	policies []string
	params   lifecycle.Params
}

// New creates a scheduler. spec uses the standard five-field cron syntax.
func New(runner *lifecycle.Runner, records *memory.Service, logger *zap.Logger,
	spec string, policies []string, params lifecycle.Params) (*Scheduler, error) {
	s := &Scheduler{
		cron:     cron.New(),
		runner:   runner,
		records:  records,
		logger:   logger,
		policies: policies,
		params:   params,
	}
	if _, err := s.cron.AddFunc(spec, s.runAll); err != nil {
		return nil, fmt.Errorf("invalid maintenance spec %q: %w", spec, err)
	}
	return s, nil
}

// Start begins scheduling in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("maintenance scheduler started", zap.Strings("policies", s.policies))
}

// Stop halts scheduling and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) runAll() {
	ctx := context.Background()

	projects, err := s.records.ListProjects(ctx)
	if err != nil {
		s.logger.Error("maintenance sweep failed to list projects", zap.Error(err))
		return
	}

	for _, project := range projects {
		results := s.runner.Run(ctx, project, s.policies, s.params)
		for name, res := range results {
			if res.Error != "" {
				s.logger.Warn("maintenance policy failed",
					zap.String("project", project), zap.String("policy", name), zap.String("error", res.Error))
			}
		}
	}
}
