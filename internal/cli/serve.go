package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/fixfactory/internal/admission"
	"github.com/lucasnoah/fixfactory/internal/coord"
	"github.com/lucasnoah/fixfactory/internal/dispatch"
	"github.com/lucasnoah/fixfactory/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the factory: webhook intake, workers, and the JSON API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log, err := newLogger()
		if err != nil {
			return err
		}
		defer log.Sync()

		s, err := openStore(cfg)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer s.Close()

		rdb := newRedisClient(cfg)
		defer rdb.Close()
		gate := coord.NewGate(rdb, log)
		if err := gate.Ping(cmd.Context()); err != nil {
			log.Warn("redis unreachable at startup, coordination will fail open", zap.Error(err))
		}

		orch, err := buildOrchestrator(cfg, s, log)
		if err != nil {
			return err
		}

		d := dispatch.New(dispatch.Opts{
			Store:     s,
			Admission: admission.NewControl(s, log),
			Gate:      gate,
			Executor:  orch,
			Config:    cfg.Factory,
			Log:       log,
		})

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		d.Start(ctx)
		defer d.Stop()

		srv := web.NewServer(s, d, log, cfg.Factory.ListenAddr)
		errCh := make(chan error, 1)
		go func() { errCh <- srv.Start() }()

		select {
		case <-ctx.Done():
			log.Info("shutting down")
			return nil
		case err := <-errCh:
			return err
		}
	},
}
