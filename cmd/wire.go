package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"chatstate/internal/action"
	"chatstate/internal/app"
	"chatstate/internal/config"
	"chatstate/internal/pipeline"
	"chatstate/internal/secret"
	"chatstate/internal/storage"
	"chatstate/internal/store"
)

// runtime is the wired state core shared by the subcommands.
type runtime struct {
	cfg   *config.Config
	store *store.Store
	app   *app.App
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openRuntime opens the configured backend and loads the store from it.
func openRuntime(ctx context.Context, cfg *config.Config, publicURL string) (*runtime, error) {
	if cfg.BasicConfig.DataDir != "" {
		if err := os.MkdirAll(cfg.BasicConfig.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	backend, err := storage.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Printf("persistence driver: %s", cfg.BasicConfig.PersistenceDriver)

	opts := store.Options{
		GlobalDefaults:      cfg.Defaults.GlobalSettings,
		SessionDefaults:     cfg.Defaults.SessionSettings,
		MaxConcurrentWrites: cfg.BasicConfig.WriteQueueSize,
	}
	sealer, err := secret.FromEnv()
	if err != nil {
		backend.Close()
		return nil, err
	}
	if sealer != nil {
		opts.Secrets = sealer
	}
	st := store.New(backend, opts)
	st.Init(ctx)
	if err := st.LastWarning(); err != nil {
		log.Printf("store started with warning: %v", err)
	}

	actions := action.New(action.Options{
		CopyReset:  time.Duration(cfg.BasicConfig.CopyResetMillis) * time.Millisecond,
		ImageReset: time.Duration(cfg.BasicConfig.ImageResetMillis) * time.Millisecond,
	})
	a := app.New(st, actions, pipeline.NewService(cfg, nil), app.Options{PublicURL: publicURL})
	return &runtime{cfg: cfg, store: st, app: a}, nil
}

// close drains pending writes within timeout.
func (r *runtime) close(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.store.Close(ctx)
}
