package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gitlab.com/nevasik7/alerting/logger"
)

const jobTimeout = 30 * time.Second

// cronLogger adapts the service logger to cron.Logger
type cronLogger struct {
	log logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugf("cron: %s %s", msg, formatKV(keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorf("cron: %s %s, error=%v", msg, formatKV(keysAndValues), err)
}

func formatKV(kv []interface{}) string {
	var b strings.Builder
	for i := 0; i+1 < len(kv); i += 2 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%v=%v", kv[i], kv[i+1])
	}
	return b.String()
}

// scheduler runs periodic jobs; overlapping runs of one job are skipped and panics are recovered
type scheduler struct {
	log  logger.Logger
	cron *cron.Cron
	ctx  context.Context
}

func newScheduler(log logger.Logger) *scheduler {
	cl := cronLogger{log: log}
	return &scheduler{
		log: log,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		ctx: context.Background(),
	}
}

// add registers job under spec; the job gets a context bounded by jobTimeout
func (s *scheduler) add(name, spec string, job func(ctx context.Context) error) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
		defer cancel()

		if err := job(ctx); err != nil {
			s.log.Warnf("Job %s failed, error=%v", name, err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule %s with %q: %w", name, spec, err)
	}
	return nil
}

// run starts the jobs and blocks until ctx is done, then waits for running jobs
func (s *scheduler) run(ctx context.Context) error {
	s.ctx = ctx
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
