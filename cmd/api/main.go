package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/ovaphlow/pitchfork/service-adlookup/internal/config"
	"github.com/ovaphlow/pitchfork/service-adlookup/internal/directory"
	"github.com/ovaphlow/pitchfork/service-adlookup/internal/dispatch"
	"github.com/ovaphlow/pitchfork/service-adlookup/internal/router"
	"github.com/ovaphlow/pitchfork/service-adlookup/internal/session"
	"github.com/ovaphlow/pitchfork/service-adlookup/internal/suggest"
	"github.com/ovaphlow/pitchfork/service-adlookup/internal/suggest/repo"
	"github.com/ovaphlow/pitchfork/service-adlookup/internal/transport/websocket"
	"github.com/ovaphlow/pitchfork/service-adlookup/internal/userinfo"
	"github.com/ovaphlow/pitchfork/service-adlookup/pkg/async"
	"github.com/ovaphlow/pitchfork/service-adlookup/pkg/database"
	"github.com/ovaphlow/pitchfork/service-adlookup/pkg/observability"
	"github.com/ovaphlow/pitchfork/service-adlookup/pkg/utilities"
)

// taskTimeout bounds one client action, directory round trips included.
const taskTimeout = 30 * time.Second

func main() {
	// load .env file if present so os.Getenv picks values from it
	_ = godotenv.Load()

	// init logger
	lg, err := utilities.Init(utilities.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()

	sugar := lg.Sugar()
	sugar.Info("starting service-adlookup")

	cfg, err := config.Load("")
	if err != nil {
		sugar.Fatalf("load config: %v", err)
	}

	// init username index
	dbCfg := database.ConfigFromEnv()
	sqlDB, err := database.Connect(dbCfg)
	if err != nil {
		sugar.Fatalf("db connect: %v", err)
	}
	defer sqlDB.Close()

	sqlxDB := sqlx.NewDb(sqlDB, dbCfg.Driver)
	index := repo.NewIndexRepo(sqlxDB)
	{
		ctx, cancel := context.WithTimeout(context.Background(), dbCfg.Timeout)
		err := index.EnsureTable(ctx)
		cancel()
		if err != nil {
			sugar.Fatalf("ensure index table: %v", err)
		}
	}

	// graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := observability.NewMetrics(nil)

	gateway := directory.NewGateway(directory.Config{
		Endpoint:        cfg.Directory.URL,
		BaseDN:          cfg.Directory.BaseDN,
		ServiceUser:     cfg.Directory.ServiceUser,
		ServicePassword: cfg.Directory.ServicePassword,
		RequiredGroup:   cfg.Directory.AuthGroup,
		ConnectTimeout:  cfg.Directory.ConnectTimeout,
		ReadTimeout:     cfg.Directory.ReadTimeout,
		PoolIdle:        cfg.Directory.PoolIdle,
		PoolMaxIdle:     cfg.Directory.PoolMaxIdle,
	}, nil, sugar.Named("directory"))

	// keep a failed login from surfacing as a typed nil Identity
	auth := session.AuthenticatorFunc(func(ctx context.Context, username, password string) (session.Identity, error) {
		id, err := gateway.AuthenticateUser(ctx, username, password)
		if err != nil {
			return nil, err
		}
		return id, nil
	})

	registry := session.NewRegistry(auth, cfg.Session.Timeout, sugar.Named("session"), metrics)
	coordinator := suggest.NewCoordinator(index, suggest.Config{
		PageSize: cfg.Suggest.PageSize,
		MaxPages: cfg.Suggest.MaxPages,
		Budget:   cfg.Suggest.Timeout,
	}, sugar.Named("suggest"), metrics)
	assembler := userinfo.New(userinfo.Config{
		MailDomain:     cfg.UserInfo.MailDomain,
		PasswordMaxAge: cfg.UserInfo.PasswordMaxAgeDays,
		Location:       cfg.Location(),
	})

	// detached from ctx so queued actions drain on shutdown
	pool := async.NewWorkerPool(context.Background(), cfg.Server.Workers, "action", taskTimeout, sugar.Named("pool"))
	dispatcher := dispatch.New(registry, coordinator, assembler, pool, sugar.Named("dispatch"), metrics)

	housekeeper, err := dispatch.NewHousekeeper(registry, cfg.Session.Timeout/2, sugar.Named("housekeeping"))
	if err != nil {
		sugar.Fatalf("housekeeping: %v", err)
	}
	housekeeper.Start()

	// mount http server
	handler := router.RegisterRoutes(sugar, router.Routes{
		Actions:   websocket.NewServer(dispatcher, websocket.Config{IdleTimeout: cfg.Session.Timeout}, sugar.Named("websocket")),
		Metrics:   metrics.Handler(),
		Health:    sqlDB.PingContext,
		StaticDir: cfg.Server.StaticDir,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sugar.Infow("listening", "addr", cfg.Server.Addr, "directory", cfg.Directory.URL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sugar.Info("shutting down")

		// give a short grace period for cleanup
		doneCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		<-housekeeper.Stop().Done()

		// stop accepting channels before draining queued actions
		if err := srv.Shutdown(doneCtx); err != nil {
			sugar.Warnf("http server shutdown failed: %v", err)
		}
		if err := pool.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
			sugar.Warnf("worker pool shutdown failed: %v", err)
		}
		registry.Shutdown()
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Errorf("service stopped: %v", err)
	}
	sugar.Info("goodbye")
}
