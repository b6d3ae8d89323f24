package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/CZERTAINLY/probe-lens/internal/api"
	"github.com/CZERTAINLY/probe-lens/internal/log"
	"github.com/CZERTAINLY/probe-lens/internal/probe"
	"github.com/CZERTAINLY/probe-lens/internal/service"
	"github.com/CZERTAINLY/probe-lens/internal/stats"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const statsPrefix = "probe-lens"

func doRun(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unsupported arguments: %s", strings.Join(args, ", "))
	}
	config, closer, err := loadConfig(cmd, args)
	if err != nil {
		return err
	}
	defer func() {
		_ = closer.Close()
	}()

	ctx := cmd.Context()
	attrs := slog.Group("probe-lens",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	st := stats.New(statsPrefix)
	runner, err := service.NewRunner(config, probe.WithStats(st))
	if err != nil {
		return err
	}
	supervisor, err := service.NewSupervisor(ctx, config, runner)
	if err != nil {
		return err
	}

	if config.Service.Server == nil {
		return supervisor.Do(ctx)
	}

	// the status server lives as long as the supervisor
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return supervisor.Do(ctx)
	})
	g.Go(func() error {
		srv := api.New(runner, supervisor, st)
		return srv.ListenAndServe(ctx, config.Service.Server.Addr.String())
	})
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
