// Package janitor runs recurring maintenance tasks (terminal-job
// retention, cache pruning) on cron schedules.
package janitor

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type task struct {
	name string
	spec cron.Schedule
	run  func(ctx context.Context) error
}

// Janitor schedules registered tasks once started.
type Janitor struct {
	logger *zap.Logger
	tasks  []task
	wg     sync.WaitGroup
}

// New creates an empty janitor.
func New(logger *zap.Logger) *Janitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{logger: logger.Named("janitor")}
}

// Add registers a task. Schedules accept standard cron expressions and
// the @every form ("@every 5m").
func (j *Janitor) Add(name, schedule string, run func(ctx context.Context) error) error {
	schedule = strings.TrimSpace(schedule)
	if schedule == "" {
		return fmt.Errorf("task %s: schedule is required", name)
	}
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("task %s: parse schedule %q: %w", name, schedule, err)
	}
	j.tasks = append(j.tasks, task{name: name, spec: spec, run: run})
	return nil
}

// Start launches one loop per task. Loops exit when ctx is done.
func (j *Janitor) Start(ctx context.Context) {
	for _, t := range j.tasks {
		t := t
		j.wg.Add(1)
		go func() {
			defer j.wg.Done()
			j.loop(ctx, t)
		}()
	}
}

// Wait blocks until all task loops have exited.
func (j *Janitor) Wait() { j.wg.Wait() }

func (j *Janitor) loop(ctx context.Context, t task) {
	for {
		next := t.spec.Next(time.Now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		start := time.Now()
		if err := t.run(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			j.logger.Warn("maintenance task failed",
				zap.String("task", t.name), zap.Error(err))
			continue
		}
		j.logger.Debug("maintenance task ran",
			zap.String("task", t.name), zap.Duration("took", time.Since(start)))
	}
}
