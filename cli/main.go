// Package cli wires configuration, the relayer pool and the background loops
// into the gaslane binary.
package cli

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v3"

	"github.com/gaslane/gaslane/chain"
	"github.com/gaslane/gaslane/config"
	"github.com/gaslane/gaslane/coordinator"
	"github.com/gaslane/gaslane/lock"
	"github.com/gaslane/gaslane/metrics"
	"github.com/gaslane/gaslane/monitor"
	"github.com/gaslane/gaslane/rebalance"
	"github.com/gaslane/gaslane/registry"
	"github.com/gaslane/gaslane/server"
)

var log = logrus.NewEntry(logrus.New())

// Main starts the gaslane cli
func Main() {
	cmd := &cli.Command{
		Name:  "gaslane",
		Usage: "relayer coordination and rebalancing engine",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "version", Usage: "only print version"},
			&cli.BoolFlag{Name: "json", Usage: "log in JSON format instead of text", Sources: cli.EnvVars("LOG_JSON")},
			&cli.StringFlag{Name: "loglevel", Value: "info", Usage: "minimum loglevel: trace, debug, info, warn/warning, error, fatal, panic", Sources: cli.EnvVars("LOG_LEVEL")},
			&cli.BoolFlag{Name: "debug", Usage: "shorthand for '-loglevel debug'", Sources: cli.EnvVars("DEBUG")},
			&cli.StringFlag{Name: "log-service", Usage: "add a 'service=...' tag to all log messages", Sources: cli.EnvVars("LOG_SERVICE_TAG")},

			&cli.StringFlag{Name: "addr", Value: "localhost:18650", Usage: "listen-address for the operator HTTP server", Sources: cli.EnvVars("GASLANE_LISTEN_ADDR")},
			&cli.StringFlag{Name: "rpc", Usage: "execution JSON-RPC endpoint", Sources: cli.EnvVars("GASLANE_RPC_URL")},
			&cli.IntFlag{Name: "chain-id", Value: 1, Usage: "chain id for transaction signing", Sources: cli.EnvVars("GASLANE_CHAIN_ID")},
			&cli.StringFlag{Name: "pool", Value: "pool.json", Usage: "path of the pool description file (relayers, thresholds, reserves)", Sources: cli.EnvVars("GASLANE_POOL_FILE")},
			&cli.StringFlag{Name: "redis", Usage: "redis url for distributed locks and task persistence; empty runs single-process", Sources: cli.EnvVars("GASLANE_REDIS_URL")},
			&cli.StringFlag{Name: "gas-tank", Usage: "address of the gas tank funder account", Sources: cli.EnvVars("GASLANE_GAS_TANK")},
			&cli.StringFlag{Name: "gas-tank-key", Value: "GASLANE_GAS_TANK_KEY", Usage: "name of the env var holding the gas tank private key", Sources: cli.EnvVars("GASLANE_GAS_TANK_KEY_REF")},
			&cli.StringFlag{Name: "strategy", Value: "lru", Usage: "relayer selection strategy: lru, roundrobin, random", Sources: cli.EnvVars("GASLANE_STRATEGY")},

			&cli.DurationFlag{Name: "lease-ttl", Value: 30 * time.Second, Usage: "relayer lease time-to-live", Sources: cli.EnvVars("GASLANE_LEASE_TTL")},
			&cli.DurationFlag{Name: "acquire-timeout", Value: 5 * time.Second, Usage: "how long an execution waits for a free relayer", Sources: cli.EnvVars("GASLANE_ACQUIRE_TIMEOUT")},
			&cli.DurationFlag{Name: "max-execution-duration", Value: 20 * time.Second, Usage: "worst-case duration of a single submission", Sources: cli.EnvVars("GASLANE_MAX_EXECUTION_DURATION")},
			&cli.DurationFlag{Name: "jitter-margin", Value: 2 * time.Second, Usage: "clock safety margin when validating the lease ttl", Sources: cli.EnvVars("GASLANE_JITTER_MARGIN")},
			&cli.DurationFlag{Name: "monitor-interval", Value: 30 * time.Second, Usage: "balance sweep interval", Sources: cli.EnvVars("GASLANE_MONITOR_INTERVAL")},
			&cli.IntFlag{Name: "max-attempts", Value: 3, Usage: "execution attempts across distinct relayers", Sources: cli.EnvVars("GASLANE_MAX_ATTEMPTS")},
			&cli.IntFlag{Name: "disable-threshold", Value: 3, Usage: "consecutive execution failures before a relayer is disabled", Sources: cli.EnvVars("GASLANE_DISABLE_THRESHOLD")},
			&cli.IntFlag{Name: "rebalance-retries", Value: 5, Usage: "retry budget per rebalance task", Sources: cli.EnvVars("GASLANE_REBALANCE_RETRIES")},
			&cli.DurationFlag{Name: "rebalance-backoff-min", Value: 2 * time.Second, Usage: "initial backoff between rebalance retries", Sources: cli.EnvVars("GASLANE_REBALANCE_BACKOFF_MIN")},
			&cli.DurationFlag{Name: "rebalance-backoff-max", Value: time.Minute, Usage: "backoff ceiling between rebalance retries", Sources: cli.EnvVars("GASLANE_REBALANCE_BACKOFF_MAX")},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("version") {
		fmt.Printf("gaslane %s\n", config.Version) //nolint
		return nil
	}

	// setup logging
	log.Logger.SetOutput(os.Stdout)
	if cmd.Bool("json") {
		log.Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.Logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	logLevel := cmd.String("loglevel")
	if cmd.Bool("debug") {
		logLevel = "debug"
	}
	if logLevel != "" {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return fmt.Errorf("invalid loglevel: %s", logLevel)
		}
		log.Logger.SetLevel(lvl)
	}
	if service := cmd.String("log-service"); service != "" {
		log = log.WithField("service", service)
	}
	log = log.WithField("version", config.Version)
	log.Infof("starting gaslane")
	log.Debug("debug logging enabled")

	cfg := &config.Config{
		LeaseTTL:             cmd.Duration("lease-ttl"),
		AcquireTimeout:       cmd.Duration("acquire-timeout"),
		MonitorInterval:      cmd.Duration("monitor-interval"),
		MaxAttempts:          int(cmd.Int("max-attempts")),
		DisableThreshold:     int(cmd.Int("disable-threshold")),
		MaxExecutionDuration: cmd.Duration("max-execution-duration"),
		JitterMargin:         cmd.Duration("jitter-margin"),
		Rebalance: config.RebalanceConfig{
			RetryBudget: int(cmd.Int("rebalance-retries")),
			BackoffMin:  cmd.Duration("rebalance-backoff-min"),
			BackoffMax:  cmd.Duration("rebalance-backoff-max"),
		},
	}
	if err := cfg.LoadPool(cmd.String("pool")); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	rpcURL := cmd.String("rpc")
	if rpcURL == "" {
		return errors.New("no rpc endpoint specified")
	}
	rpcClient, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return fmt.Errorf("dialing rpc %s: %w", rpcURL, err)
	}
	chainID := big.NewInt(cmd.Int("chain-id"))

	gasTankHex := cmd.String("gas-tank")
	if !common.IsHexAddress(gasTankHex) {
		return errors.New("no valid gas tank address specified")
	}
	gasTank := common.HexToAddress(gasTankHex)

	signer, err := buildSigner(chainID, cfg.Relayers, gasTank, cmd.String("gas-tank-key"))
	if err != nil {
		return err
	}

	metricsRegistry := prometheus.NewRegistry()
	events := metrics.NewEvents(metricsRegistry)

	pool, err := registry.NewRegistry(registry.RegistryOpts{
		Log:              log,
		Relayers:         cfg.Relayers,
		DisableThreshold: cfg.DisableThreshold,
		Staleness:        time.Duration(config.BalanceStalenessSec) * time.Second,
	})
	if err != nil {
		return err
	}

	var (
		backend     lock.Backend
		taskStore   rebalance.TaskStore
		redisClient *redis.Client
	)
	if redisURL := cmd.String("redis"); redisURL != "" {
		redisOpts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		redisClient = redis.NewClient(redisOpts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("pinging redis: %w", err)
		}
		backend = lock.NewRedisBackend(redisClient)
		taskStore = rebalance.NewRedisStore(redisClient)
		log.Info("using redis lock backend")
	} else {
		backend = lock.NewLocalBackend()
		taskStore = rebalance.NewMemoryStore()
		log.Info("using in-process lock backend")
	}

	strategy, err := pickStrategy(cmd.String("strategy"))
	if err != nil {
		return err
	}

	locks, err := lock.NewManager(lock.ManagerOpts{
		Log:      log,
		Registry: pool,
		Backend:  backend,
		Events:   events,
		LeaseTTL: cfg.LeaseTTL,
		Strategy: strategy,
	})
	if err != nil {
		return err
	}

	chainClient, err := chain.NewEthClient(chain.EthClientOpts{
		Log:    log,
		RPC:    rpcClient,
		Signer: signer,
	})
	if err != nil {
		return err
	}
	funder, err := chain.NewGasTank(chain.GasTankOpts{
		Log:     log,
		RPC:     rpcClient,
		Signer:  signer,
		Account: gasTank,
	})
	if err != nil {
		return err
	}

	coord, err := coordinator.New(coordinator.Opts{
		Log:            log,
		Locks:          locks,
		Registry:       pool,
		Chain:          chainClient,
		Events:         events,
		MaxAttempts:    cfg.MaxAttempts,
		AcquireTimeout: cfg.AcquireTimeout,
	})
	if err != nil {
		return err
	}

	rebalancer, err := rebalance.New(rebalance.Opts{
		Log:           log,
		Registry:      pool,
		Chain:         chainClient,
		Funder:        funder,
		Store:         taskStore,
		Events:        events,
		FunderAccount: gasTank,
		Thresholds:    cfg.FundingThresholds,
		Config:        cfg.Rebalance,
	})
	if err != nil {
		return err
	}

	balances, err := monitor.New(monitor.Opts{
		Log:          log,
		Registry:     pool,
		Chain:        chainClient,
		Events:       events,
		Signaler:     rebalancer,
		Thresholds:   cfg.FundingThresholds,
		GasTank:      gasTank,
		Interval:     cfg.MonitorInterval,
		FetchTimeout: time.Duration(config.BalanceFetchTimeoutMs) * time.Millisecond,
		Workers:      config.BalanceFetchWorkers,
	})
	if err != nil {
		return err
	}

	service, err := server.NewService(server.ServiceOpts{
		Log:             log,
		ListenAddr:      cmd.String("addr"),
		Registry:        pool,
		Coordinator:     coord,
		MetricsRegistry: metricsRegistry,
	})
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rebalancer.Resume(runCtx); err != nil {
		return err
	}
	go rebalancer.Run(runCtx)
	go balances.Run(runCtx)

	serverErr := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", cmd.String("addr"))
		serverErr <- service.StartHTTPServer()
	}()

	select {
	case err := <-serverErr:
		return err
	case <-runCtx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return service.Shutdown(shutdownCtx)
}

// buildSigner loads every relayer key plus the gas tank key from the
// environment, keyed by account address.
func buildSigner(chainID *big.Int, relayers []config.RelayerEntry, gasTank common.Address, gasTankKeyRef string) (chain.SignerFunc, error) {
	keys := make(map[common.Address]*ecdsa.PrivateKey, len(relayers)+1)

	loadKey := func(account common.Address, keyRef string) error {
		raw, ok := os.LookupEnv(keyRef)
		if !ok || raw == "" {
			return fmt.Errorf("%w: key env var %s for %s is not set", config.ErrConfigInvalid, keyRef, account.Hex())
		}
		key, err := crypto.HexToECDSA(raw)
		if err != nil {
			return fmt.Errorf("%w: parsing key for %s: %v", config.ErrConfigInvalid, account.Hex(), err)
		}
		if crypto.PubkeyToAddress(key.PublicKey) != account {
			return fmt.Errorf("%w: key %s does not belong to %s", config.ErrConfigInvalid, keyRef, account.Hex())
		}
		keys[account] = key
		return nil
	}

	for _, r := range relayers {
		if err := loadKey(r.Address, r.KeyRef); err != nil {
			return nil, err
		}
	}
	if err := loadKey(gasTank, gasTankKeyRef); err != nil {
		return nil, err
	}

	txSigner := types.LatestSignerForChainID(chainID)
	return func(account common.Address, tx *types.Transaction) (*types.Transaction, error) {
		key, ok := keys[account]
		if !ok {
			return nil, fmt.Errorf("no key loaded for %s", account.Hex())
		}
		return types.SignTx(tx, txSigner, key)
	}, nil
}

func pickStrategy(name string) (lock.Strategy, error) {
	switch name {
	case "lru", "":
		return lock.LeastRecentlyUsed{}, nil
	case "roundrobin":
		return new(lock.RoundRobin), nil
	case "random":
		return lock.Random{}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}
