// The gateway command runs the MQTT context-broker gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/karelia-iot/mqtt-gateway/internal/bus"
	"github.com/karelia-iot/mqtt-gateway/internal/cache"
	"github.com/karelia-iot/mqtt-gateway/internal/config"
	"github.com/karelia-iot/mqtt-gateway/internal/gateway"
	"github.com/karelia-iot/mqtt-gateway/internal/leader"
	"github.com/karelia-iot/mqtt-gateway/internal/logger"
	"github.com/karelia-iot/mqtt-gateway/internal/orion"
	"github.com/karelia-iot/mqtt-gateway/internal/queue"
	"github.com/karelia-iot/mqtt-gateway/internal/store"
)

func main() {
	configPath := flag.String("config", lookupEnv("GATEWAY_CONFIG", ""), "optional YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	lg := logger.New(cfg.Log, nil)

	if err := run(cfg, lg); err != nil && !errors.Is(err, context.Canceled) {
		lg.Fatal().Err(err).Msg("gateway failed")
	}
	lg.Info().Msg("gateway stopped")
}

func lookupEnv(name, defVal string) string {
	if val, ok := os.LookupEnv(name); ok {
		return val
	}
	return defVal
}

func run(cfg *config.Config, lg zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()

	st, err := store.Open(ctx, store.Config{
		DSN:            cfg.PostgresDSN(),
		BackoffCeiling: cfg.BackoffCeiling,
	}, logger.WithComponent(lg, "store"))
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	defer st.Close()

	ruleCache := cache.New(rdb, st, logger.WithComponent(lg, "cache"))
	q := queue.New(cfg.QueueCapacity)
	listener := bus.NewListener(rdb, q, logger.WithComponent(lg, "bus"))

	orionCfg := orion.Config{
		URL:            cfg.OrionURL,
		Service:        cfg.FiwareService,
		ServicePath:    cfg.FiwareServicePath,
		ConnectTimeout: cfg.ConnectTimeout,
		RequestTimeout: cfg.RequestTimeout,
	}
	orionLg := logger.WithComponent(lg, "orion")

	gw, err := gateway.New(&gateway.Config{
		Addr:               cfg.MQTTAddr(),
		Username:           cfg.MQTTUsername,
		Password:           cfg.MQTTPassword,
		ClientID:           "mqtt-gateway",
		Workers:            cfg.Workers,
		QoS:                gateway.DefaultQoS,
		ReconnectDelay:     cfg.ReconnectDelay,
		FallbackEntityType: cfg.DefaultEntityType,
	}, q, st, ruleCache,
		func() gateway.Dispatcher { return orion.NewClient(orionCfg, orionLg) },
		logger.WithComponent(lg, "gateway"))
	if err != nil {
		return err
	}

	elector := leader.NewElector(rdb, leader.Key, cfg.LeaseTTL, logger.WithComponent(lg, "leader"))
	return elector.Run(ctx, func(ctx context.Context) error {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return listener.Run(gctx) })
		g.Go(func() error { return gw.Run(gctx) })
		return g.Wait()
	})
}
