package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rakunlabs/into"
	"github.com/rakunlabs/logi"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/container"
	"github.com/rakunlabs/at/internal/gpu"
	"github.com/rakunlabs/at/internal/prober"
	"github.com/rakunlabs/at/internal/registry"
	"github.com/rakunlabs/at/internal/server"
	"github.com/rakunlabs/at/internal/status"
	"github.com/rakunlabs/at/internal/store"
	"github.com/rakunlabs/at/internal/store/memory"
	"github.com/rakunlabs/at/internal/switchengine"

	"github.com/rakunlabs/at/internal/proxy"
)

var (
	name    = "gateway"
	version = "v0.0.0"
)

func main() {
	into.Init(run,
		into.WithLogger(logi.InitializeLog(logi.WithCaller(false))),
		into.WithMsgf("%s [%s]", name, version),
	)
}

func run(ctx context.Context) error {
	cfg, err := config.Load(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	reg, err := registry.Load(cfg.Registry.Path, cfg.VRAMUtilizationMultiplier)
	if err != nil {
		return fmt.Errorf("failed to load model registry: %w", err)
	}
	slog.Info("model registry loaded", "models", reg.IDs())

	sampler := gpu.NvidiaSMISampler{}
	adapter := container.ExecAdapter{}
	pr := prober.New(time.Duration(cfg.ProbeTTLSeconds)*time.Second, 0)

	engine := switchengine.New(reg, &adapter, &sampler, pr, switchengine.Config{
		StuckThreshold: time.Duration(cfg.StuckThresholdSeconds) * time.Second,
	})

	aggregator := status.New(reg, engine, &adapter, pr, &sampler, time.Duration(cfg.StuckThresholdSeconds)*time.Second)

	core, err := proxy.New(time.Duration(cfg.BackendTimeoutSeconds) * time.Second)
	if err != nil {
		return fmt.Errorf("failed to build proxy core: %w", err)
	}

	accounting, err := store.New(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open accounting store: %w", err)
	}
	if accounting == nil {
		accounting = memory.New()
	}
	defer accounting.Close()

	srv, err := server.New(server.Deps{
		Config:           cfg.Server,
		Registry:         reg,
		SwitchEngine:     engine,
		Aggregator:       aggregator,
		Core:             core,
		Accounting:       accounting,
		APIKey:           cfg.APIKey,
		WebUIAuthEnabled: cfg.WebUIAuthEnabled,
		AllowedOrigins:   cfg.AllowedOrigins,
		BackendTimeout:   time.Duration(cfg.BackendTimeoutSeconds) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	slog.Info("starting gateway", "port", cfg.Server.Port)
	return srv.Start(ctx)
}
