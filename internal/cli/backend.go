package cli

import (
	"fmt"
	"log/slog"

	"github.com/dshills/edbridge/internal/config"
	"github.com/dshills/edbridge/internal/engine"
	"github.com/dshills/edbridge/internal/engine/memengine"
	"github.com/dshills/edbridge/internal/engine/nvim"
	"github.com/dshills/edbridge/internal/engine/rpcengine"
	"github.com/dshills/edbridge/internal/logging"
)

// newBackend builds the engine backend named by cfg.Backend.
func newBackend(cfg config.EngineConfig, logger *slog.Logger) (engine.Backend, error) {
	switch cfg.Backend {
	case "nvim":
		return nvim.New(nvim.Config{
			Command: cfg.Command,
			Args:    cfg.Args,
			Dir:     cfg.Dir,
			Env:     envOrNil(cfg.Env),
			Width:   cfg.Width,
			Height:  cfg.Height,
			Logger:  logging.Component(logger, "nvim"),
		}), nil
	case "rpc":
		if cfg.Command == "" {
			return nil, NewExitError(ExitCommandError, "engine.command is required for the rpc backend")
		}
		return rpcengine.New(rpcengine.Config{
			Command: cfg.Command,
			Args:    cfg.Args,
			Dir:     cfg.Dir,
			Env:     cfg.Env,
			Width:   cfg.Width,
			Height:  cfg.Height,
			Logger:  logging.Component(logger, "rpcengine"),
		}), nil
	case "memory":
		return memengine.New(), nil
	}
	return nil, NewExitError(ExitCommandError, fmt.Sprintf("unknown engine backend %q", cfg.Backend))
}

func envOrNil(env []string) []string {
	if len(env) == 0 {
		return nil
	}
	return env
}
