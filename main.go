package main

import (
	"context"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/wfunc/crawlparty/config"
	"github.com/wfunc/crawlparty/deck"
	"github.com/wfunc/crawlparty/logger"
	"github.com/wfunc/crawlparty/monitor"
	"github.com/wfunc/crawlparty/overunder"
	"github.com/wfunc/crawlparty/persistence"
	"github.com/wfunc/crawlparty/pong"
	"github.com/wfunc/crawlparty/replication"
	crawlrpc "github.com/wfunc/crawlparty/rpc"
	"github.com/wfunc/crawlparty/server"
	"github.com/wfunc/crawlparty/services"
	"github.com/wfunc/crawlparty/timer"
)

const (
	releaseVersion = "0.1.0"
	seedTimeout    = 10 * time.Second
)

func main() {
	cobra.CheckErr(newCmd().Execute())
}

func newCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "crawlparty",
		Short:   "Serves the pub crawl companion: ranking, route, over/under and pong.",
		Version: releaseVersion,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadConfig(configPath, cmd.Flags())
			if err != nil {
				return err
			}

			logger.Init(cfg.Log.Debug)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&configPath, "config", "c", ".", "directory holding config.yaml")
	fs.String("http-address", ":8080", "address for http and websockets (env: CRAWL_SERVER_HTTP_ADDRESS)")
	fs.String("rpc-address", "", "address for the admin rpc service, empty disables it (env: CRAWL_SERVER_RPC_ADDRESS)")
	fs.String("public-url", "http://localhost:8080/", "url encoded in the invite qr code (env: CRAWL_SERVER_PUBLIC_URL)")
	fs.String("driver", "postgres", "store driver, postgres or memory (env: CRAWL_DATABASE_DRIVER)")
	fs.String("route-file", "", "yaml route to seed an empty route table with (env: CRAWL_CRAWL_ROUTE_FILE)")
	fs.Bool("debug", false, "development logging (env: CRAWL_LOG_DEBUG)")

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("crawlparty v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

func openStore(cfg *config.Config) (persistence.Store, error) {
	if cfg.Database.Driver == "memory" {
		logger.Log.Warn("Using the in-memory store, state is neither durable nor shared between replicas.")
		return persistence.NewMemory(), nil
	}

	dsn := cfg.Database.Postgres.DSN()
	db, err := persistence.NewGormPostgreSQL(dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Listen(dsn); err != nil {
		db.Close()
		return nil, err
	}
	logger.Log.Info("Database connection successful.")
	return db, nil
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	seed := time.Now().UnixNano()
	crawl := services.NewCrawlService(store, services.Settings{
		AdminCode:       cfg.Crawl.AdminCode,
		ArrivalCooldown: cfg.Crawl.ArrivalCooldown,
		RoundCooldown:   cfg.Crawl.RoundCooldown,
		StopTimer:       cfg.Crawl.StopTimer,
	}, rand.New(rand.NewSource(seed)))

	route, err := services.LoadRoute(cfg.Crawl.RouteFile)
	if err != nil {
		return err
	}
	seedCtx, cancel := context.WithTimeout(ctx, seedTimeout)
	err = crawl.SeedRoute(seedCtx, route)
	cancel()
	if err != nil {
		return err
	}

	aceMode, err := deck.ParseAceMode(cfg.Crawl.AceMode)
	if err != nil {
		return err
	}
	ouSync := replication.NewOverUnderSync(store)
	game := overunder.New(rand.New(rand.NewSource(seed+1)), aceMode, ouSync)

	pongSync := replication.NewPongSync(store, replication.PongConfig{
		Settings: pong.Settings{
			TickRate:     cfg.Pong.TickRate,
			WinningScore: cfg.Pong.WinningScore,
		},
		SyncInterval: cfg.Pong.SyncInterval,
		LeaseTTL:     cfg.Pong.LeaseTTL,
	}, rand.New(rand.NewSource(seed+2)))
	logger.Log.Infof("Replica %s", pongSync.InstanceID())

	timers := timer.NewTimerManager()
	defer timers.Stop()

	deps := server.Deps{
		Crawl:         crawl,
		OverUnder:     game,
		OverUnderSync: ouSync,
		Pong:          pongSync,
		Hold:          timer.NewHold(timers),
		Monitor:       monitor.NewMonitor("crawlparty"),
	}
	if cfg.Server.RPCAddress != "" {
		rpcServer, err := crawlrpc.NewServer(cfg.Server.RPCAddress, crawlrpc.NewAdminService(game, pongSync, crawl))
		if err != nil {
			return err
		}
		deps.RPC = rpcServer
	}

	srv := server.NewCrawlServer(server.Options{
		HTTPAddress:  cfg.Server.HTTPAddress,
		PublicURL:    cfg.Server.PublicURL,
		HoldDuration: cfg.Crawl.HoldDuration,
		Version:      releaseVersion,
	}, deps)

	logger.Log.Infof("Starting crawl server on %s", cfg.Server.HTTPAddress)
	return srv.Start(ctx)
}
