package app

import (
	"context"
	"errors"
	"time"

	"gitlab.com/nevasik7/alerting/logger"
	"golang.org/x/sync/errgroup"
)

type HTTPServer interface {
	Start() error
	Shutdown(ctx context.Context) error
}

// task is one long-running component; it returns nil when ctx is done
type task struct {
	name string
	run  func(ctx context.Context) error
}

// App runs the pipeline tasks and HTTP servers in one errgroup.
// The first failing task cancels the rest; domain.ErrStoreLost is returned as is so the process exits.
type App struct {
	log             logger.Logger
	tasks           []task
	servers         []HTTPServer
	shutdownTimeout time.Duration
}

func New(log logger.Logger, shutdownTimeout time.Duration) *App {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &App{log: log, shutdownTimeout: shutdownTimeout}
}

func (a *App) Go(name string, run func(ctx context.Context) error) {
	a.tasks = append(a.tasks, task{name: name, run: run})
}

func (a *App) Serve(srv HTTPServer) {
	a.servers = append(a.servers, srv)
}

// Run blocks until ctx is done or a task fails
func (a *App) Run(ctx context.Context) error {
	a.log.Debug("App started begin...")

	g, gctx := errgroup.WithContext(ctx)

	for _, t := range a.tasks {
		g.Go(func() error {
			err := t.run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Errorf("Task %s stopped, error=%v", t.name, err)
				return err
			}
			a.log.Infof("Task %s stopped", t.name)
			return nil
		})
	}

	for _, srv := range a.servers {
		g.Go(func() error {
			return srv.Start()
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	a.log.Info("App started")
	err := g.Wait()
	a.log.Info("App stopped")
	return err
}
