package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"hcfstream/internal/config"
	"hcfstream/internal/domain"
)

// Run We assemble the container, run it until a signal arrives and clean up
func Run(cfg *config.Config) error {
	ctxBuild, cancelBuild := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelBuild()

	container, cleanup, err := Build(ctxBuild, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = container.Run(sigCtx)
	if errors.Is(err, domain.ErrStoreLost) {
		container.log.Errorf("Event store lost, exiting: %v", err)
	}
	return err
}
