// Command triosd runs the Triangle OS shell daemon: it loads the .trios
// configuration, builds the runtime, and serves the bridge/command HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/triangleos/trios/pkg/app"
	"github.com/triangleos/trios/pkg/authsync"
	"github.com/triangleos/trios/pkg/bridge"
	"github.com/triangleos/trios/pkg/command"
	"github.com/triangleos/trios/pkg/config"
	"github.com/triangleos/trios/pkg/event"
	"github.com/triangleos/trios/pkg/logging"
	"github.com/triangleos/trios/pkg/navctx"
	"github.com/triangleos/trios/pkg/protocol"
	"github.com/triangleos/trios/pkg/runtime"
	"github.com/triangleos/trios/pkg/server"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, argv []string) error {
	flags := flag.NewFlagSet("triosd", flag.ContinueOnError)
	root := flags.String("root", ".", "Project root to search for the .trios directory.")
	triosDir := flags.String("trios-dir", "", "Explicit .trios directory (overrides discovery).")
	listen := flags.String("listen", "", "Listen address (overrides config).")
	defaultApp := flags.String("app", "", "Application to load on startup (overrides config).")
	watch := flags.Bool("watch", true, "Reload configuration on file changes.")
	if err := flags.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	// .env is optional; environment beats file either way.
	_ = godotenv.Load()

	var loaderOpts []config.LoaderOption
	if *triosDir != "" {
		loaderOpts = append(loaderOpts, config.WithTriosDir(*triosDir))
	}
	loader, err := config.NewLoader(*root, loaderOpts...)
	if err != nil {
		return err
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	logger := logging.New(cfg.Log)
	log := logging.Component(logger, "triosd")

	apps := app.NewRegistry()
	for _, d := range cfg.Apps {
		if err := apps.Register(d); err != nil {
			return fmt.Errorf("register app %s: %w", d.ID, err)
		}
	}

	store, err := buildStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	ui := make(chan event.Event, 256)
	control := make(chan event.Event, 256)
	monitor := make(chan event.Event, 256)
	bus := event.NewBus(ui, control, monitor)
	defer func() { _ = bus.Seal() }()

	commands := command.NewRegistry(logging.Component(logger, "command"))
	nav := navctx.New()

	bridgeOpts := []bridge.Option{
		bridge.WithBridgeLogger(logging.Component(logger, "bridge")),
		bridge.WithAllowedOrigins(cfg.AllowedOrigins...),
		bridge.WithSkipInjectHosts(cfg.AuthDomains...),
	}
	protoLoader := protocol.NewLoader(
		protocol.WithLoaderLogger(logging.Component(logger, "protocol")),
		protocol.WithTrustedHosts(cfg.TrustedHosts...))

	shell := runtime.NewShellWithBridgeOptions(runtime.Deps{
		Log:       logging.Component(logger, "runtime"),
		Apps:      apps,
		Commands:  commands,
		Nav:       nav,
		Bus:       bus,
		Loader:    protoLoader,
		AuthStore: store,
	}, bridgeOpts...)

	srv := server.New(shell, commands, logging.Component(logger, "server"))
	go pump(ctx, srv, ui, control, monitor)

	if id := firstNonEmpty(*defaultApp, cfg.DefaultApp); id != "" {
		if _, err := shell.LoadApp(ctx, id, runtime.Hooks{}); err != nil {
			log.WithError(err).WithField("app", id).Warn("startup app load failed")
		}
	}

	if *watch {
		go func() {
			err := loader.Watch(ctx, logging.Component(logger, "config"), func(next *config.ShellConfig) {
				for _, d := range next.Apps {
					if err := apps.Register(d); err != nil {
						log.WithError(err).WithField("app", d.ID).Warn("config reload: app rejected")
					}
				}
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("config watch stopped")
			}
		}()
	}

	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	log.WithField("listen", cfg.Listen).Info("shell listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shell.DetachFrame()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildStore(ctx context.Context, cfg *config.ShellConfig, log logrus.FieldLogger) (authsync.Store, error) {
	switch cfg.Session.Backend {
	case "memory":
		return authsync.NewMemoryStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr: cfg.Session.RedisAddr,
			DB:   cfg.Session.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			return nil, fmt.Errorf("redis session store: %w", err)
		}
		return authsync.NewRedisStore(client, ""), nil
	default:
		store, err := authsync.NewFileStore(cfg.Session.Dir)
		if err != nil {
			return nil, fmt.Errorf("file session store: %w", err)
		}
		log.WithField("dir", cfg.Session.Dir).Debug("session store on disk")
		return store, nil
	}
}

func pump(ctx context.Context, srv *server.Server, channels ...chan event.Event) {
	for _, ch := range channels {
		go func(c chan event.Event) {
			_ = srv.Stream().Pump(ctx, c)
		}(ch)
	}
	<-ctx.Done()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
