package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/debughttp"
	"github.com/wardenhq/warden/internal/gateway"
	"github.com/wardenhq/warden/internal/lifecycle"
	ilog "github.com/wardenhq/warden/internal/log"
	"github.com/wardenhq/warden/internal/metrics"
	"github.com/wardenhq/warden/internal/provision"
	"github.com/wardenhq/warden/internal/runtime"
	"github.com/wardenhq/warden/internal/store/sqlite"
)

func runServe(ctx context.Context, args []string) int {
	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "serve config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	pepper, err := store.ResolveServerPepper(ctx, cfg.APIKeyPepper)
	if err != nil {
		fmt.Fprintln(os.Stderr, "resolve api key pepper:", err)
		return 1
	}
	cfg.APIKeyPepper = pepper

	rt, err := runtime.NewDockerRuntime(cfg.DockerHost)
	if err != nil {
		fmt.Fprintln(os.Stderr, "connect runtime:", err)
		return 1
	}
	defer func() { _ = rt.Close() }()
	if err := rt.Ping(ctx); err != nil {
		logger.Warn("container runtime not reachable at startup", "docker_host", cfg.DockerHost, "err", err)
	}

	if err := debughttp.StartPprofServer(ctx, cfg.PprofListen, ilog.For(logger, "pprof")); err != nil {
		fmt.Fprintln(os.Stderr, "start pprof server:", err)
		return 1
	}

	ports := provision.NewPortAllocator(store, cfg.PortRangeMin, cfg.PortRangeMax, cfg.BindCheckTimeout)
	pool := provision.NewAddressPool(cfg.ParsedAddressPool())
	provisioner := provision.New(store, ports, pool, cfg.SecretLength, ilog.For(logger, "provision"))
	manager := lifecycle.New(store, rt, ports, lifecycle.Options{
		DataRoot:            cfg.DataRoot,
		StartupGracePeriod:  cfg.StartupGracePeriod,
		DefaultStopGrace:    cfg.DefaultStopGrace,
		HealthProbeInterval: cfg.HealthProbeInterval,
		HealthProbeGrace:    cfg.HealthProbeGrace,
		HealthProbeRetries:  cfg.HealthProbeRetries,
	}, ilog.For(logger, "lifecycle"))
	sampler := metrics.NewSampler(rt, cfg.MetricsInterval, ilog.For(logger, "metrics"))

	gw := gateway.New(cfg, store, provisioner, manager, sampler, ports, rt, ilog.For(logger, "gateway"))
	if err := gw.Run(ctx); err != nil {
		logger.Error("gateway exited", "err", err)
		return 1
	}
	return 0
}
