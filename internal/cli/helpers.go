package cli

import (
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lucasnoah/fixfactory/internal/collab"
	"github.com/lucasnoah/fixfactory/internal/config"
	"github.com/lucasnoah/fixfactory/internal/github"
	"github.com/lucasnoah/fixfactory/internal/orchestrator"
	"github.com/lucasnoah/fixfactory/internal/policy"
	"github.com/lucasnoah/fixfactory/internal/store"
)

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		return config.Load(configFile)
	}
	cfg, err := config.LoadDefault()
	if err != nil {
		// No config file is fine for read-only commands; defaults apply.
		return config.Default(), nil
	}
	return cfg, err
}

func newLogger() (*zap.Logger, error) {
	log, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	return log, nil
}

func openStore(cfg *config.Config) (*store.Store, error) {
	path := cfg.Factory.DatabasePath
	if path == "" {
		var err error
		path, err = store.DefaultPath()
		if err != nil {
			return nil, err
		}
	}
	return store.Open(path)
}

func newRedisClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: cfg.Factory.RedisAddr})
}

// buildOrchestrator wires the policy engine and collaborators.
func buildOrchestrator(cfg *config.Config, s *store.Store, log *zap.Logger) (*orchestrator.Orchestrator, error) {
	engine, err := policy.NewEngine(cfg.Policy)
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	f := cfg.Factory
	timeout := 10 * time.Minute
	planner := collab.NewCommandPlanner(collab.Opts{Command: f.PlanCommand, Dir: f.RepoWorkdir, Timeout: timeout})
	patcher := collab.NewCommandPatcher(collab.Opts{Command: f.PatchCommand, Dir: f.RepoWorkdir, Timeout: timeout})
	validator := collab.NewCommandValidator(collab.Opts{Command: f.ValidateCommand, Dir: f.RepoWorkdir, Timeout: timeout})
	gh := github.NewClient(&github.ExecRunner{}, f.RepoWorkdir)

	return orchestrator.New(orchestrator.Opts{
		Store:     s,
		Engine:    engine,
		Planner:   planner,
		Patcher:   patcher,
		Validator: validator,
		PRCreator: gh,
		Log:       log,
	}), nil
}
