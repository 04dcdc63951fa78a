package reconcile

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/mihaimyh/gobilling/pkg/gobilling"
)

// Scheduler runs jobs on cron specs.
type Scheduler interface {
	Schedule(spec string, job func()) error
	Start()
	// Stop stops scheduling and waits for running jobs until ctx ends.
	Stop(ctx context.Context) error
}

// CronScheduler is a Scheduler backed by robfig/cron. Specs use the
// standard five fields plus descriptors such as @hourly.
type CronScheduler struct {
	cron *cron.Cron
}

// NewCronScheduler creates a scheduler that recovers panicking jobs and
// skips a job while its previous run is still going.
func NewCronScheduler(logger gobilling.Logger) *CronScheduler {
	if logger == nil {
		logger = &gobilling.NoopLogger{}
	}
	cl := cronLogger{logger: logger}
	return &CronScheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

func (s *CronScheduler) Schedule(spec string, job func()) error {
	_, err := s.cron.AddFunc(spec, job)
	return err
}

func (s *CronScheduler) Start() {
	s.cron.Start()
}

func (s *CronScheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running sweeps: %w", ctx.Err())
	}
}

// cronLogger adapts a gobilling.Logger to cron.Logger.
type cronLogger struct {
	logger gobilling.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	fs := fields(keysAndValues)
	if err != nil {
		fs = append(fs, gobilling.Field{Key: "error", Value: err.Error()})
	}
	l.logger.Error("cron: "+msg, fs...)
}

func fields(kv []interface{}) []gobilling.Field {
	out := make([]gobilling.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, gobilling.Field{Key: fmt.Sprint(kv[i]), Value: kv[i+1]})
	}
	return out
}
