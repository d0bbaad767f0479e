package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"treasuryd/affiliate"
	"treasuryd/chain"
	"treasuryd/config"
	"treasuryd/distribution"
	"treasuryd/observability/logging"
	telemetry "treasuryd/observability/otel"
	"treasuryd/scheduler"
	"treasuryd/server"
	"treasuryd/signer"
	"treasuryd/storage"
	"treasuryd/treasury"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "treasuryd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.Setup("treasuryd", cfg.Environment)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	if otlpEndpoint != "" {
		insecure := true
		if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
			if parsed, err := strconv.ParseBool(value); err == nil {
				insecure = parsed
			}
		}
		shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
			ServiceName: "treasuryd",
			Environment: cfg.Environment,
			Endpoint:    otlpEndpoint,
			Insecure:    insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	network, err := config.NetworkByName(cfg.Network)
	if err != nil {
		return err
	}
	pools, err := config.LoadPools(cfg.PoolKeysPath)
	if err != nil {
		return fmt.Errorf("load pool keys: %w", err)
	}

	store, err := storage.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if _, err := store.EnsureSunset(context.Background(), cfg.SunsetThreshold); err != nil {
		return fmt.Errorf("ensure sunset row: %w", err)
	}

	kms, err := signer.NewKMSClient(signer.KMSConfig{
		BaseURL:     cfg.KMS.BaseURL,
		AccessToken: cfg.KMSAccessToken(),
		Timeout:     cfg.KMS.Timeout.Duration,
	})
	if err != nil {
		return fmt.Errorf("init kms client: %w", err)
	}
	keySigner, err := signer.New(kms)
	if err != nil {
		return fmt.Errorf("init signer: %w", err)
	}

	dialCtx, cancelDial := context.WithTimeout(context.Background(), cfg.KMS.Timeout.Duration)
	backend, err := chain.Dial(dialCtx, cfg.ChainRPCURL)
	cancelDial()
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}
	defer backend.Close()

	registry, err := treasury.NewRegistry(keySigner, backend, network.TokenAddress, pools, log)
	if err != nil {
		return err
	}
	executor, err := treasury.NewExecutor(registry, backend, keySigner, network, log)
	if err != nil {
		return err
	}
	bridge, err := treasury.NewBridge(executor, registry, backend, network, log)
	if err != nil {
		return err
	}

	engine, err := distribution.NewEngine(store, distribution.WithLogger(log))
	if err != nil {
		return err
	}
	chips, err := affiliate.NewLedger(store, affiliate.WithLogger(log))
	if err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() { _ = redisClient.Close() }()
	sentinel, err := scheduler.NewSentinel(redisClient)
	if err != nil {
		return err
	}
	sched, err := scheduler.New(sentinel, scheduler.Jobs{
		Distribution: engine,
		Chips:        chips,
		WeeklyPoolCents: func(ctx context.Context) (int64, error) {
			return store.DrainPool(ctx, config.PoolAffiliate)
		},
		RestorePoolCents: func(ctx context.Context, cents int64) error {
			return store.AccruePool(ctx, config.PoolAffiliate, cents)
		},
	}, log)
	if err != nil {
		return err
	}
	sched.Start()

	auth, err := server.NewAuthenticator(cfg.Admin.BearerToken)
	if err != nil {
		return err
	}
	admin, err := server.NewAdmin(registry, executor, bridge, chips, store, auth, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := server.Serve(ctx, cfg, admin.Router(), log)

	stopCtx, cancelStop := context.WithTimeout(context.Background(), cfg.KMS.Timeout.Duration)
	sched.Stop(stopCtx)
	cancelStop()

	return serveErr
}
