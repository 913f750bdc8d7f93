package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/jackc/pgx/v5/pgxpool"

	migrations "github.com/replyhub/replyhub/db"
	"github.com/replyhub/replyhub/internal/accounts"
	"github.com/replyhub/replyhub/internal/channel"
	"github.com/replyhub/replyhub/internal/channel/adapters/meta"
	"github.com/replyhub/replyhub/internal/channel/adapters/telegram"
	"github.com/replyhub/replyhub/internal/channel/adapters/tiktok"
	"github.com/replyhub/replyhub/internal/channel/adapters/whatsapp"
	"github.com/replyhub/replyhub/internal/channel/inbound"
	"github.com/replyhub/replyhub/internal/channel/outbound"
	"github.com/replyhub/replyhub/internal/config"
	"github.com/replyhub/replyhub/internal/db"
	"github.com/replyhub/replyhub/internal/event"
	"github.com/replyhub/replyhub/internal/handlers"
	"github.com/replyhub/replyhub/internal/inbox"
	"github.com/replyhub/replyhub/internal/logger"
	"github.com/replyhub/replyhub/internal/schedule"
	"github.com/replyhub/replyhub/internal/server"
	"github.com/replyhub/replyhub/internal/users"
	"github.com/replyhub/replyhub/internal/version"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
			os.Exit(1)
		}
		return
	}

	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,

			event.NewHub,
			users.NewService,
			accounts.NewService,
			inbox.NewService,

			provideChannelRegistry,
			provideInboundProcessor,
			provideChannelManager,
			provideOutboundPipeline,
			provideScheduleService,

			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideAuthHandler),
			provideServerHandler(handlers.NewAccountsHandler),
			provideServerHandler(handlers.NewConversationsHandler),
			provideServerHandler(handlers.NewMessagesHandler),
			provideServerHandler(provideEventsHandler),
			provideServerHandler(handlers.NewWebhooksHandler),

			provideServer,
		),
		fx.Invoke(
			startChannelManager,
			drainOutbound,
			startScheduleService,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func runMigrate(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: replyhub migrate <up|down|version|force N>")
	}
	cfg, err := provideConfig()
	if err != nil {
		return err
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	migrationsRoot, err := fs.Sub(migrations.MigrationsFS, "migrations")
	if err != nil {
		return err
	}
	return db.RunMigrate(logger.L, cfg.Postgres, migrationsRoot, args[0], args[1:])
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			conn.Close()
			return nil
		},
	})
	return conn, nil
}

func provideChannelRegistry(log *slog.Logger, cfg config.Config) *channel.Registry {
	ch := cfg.Channels
	registry := channel.NewRegistry()
	registry.MustRegister(whatsapp.New(ch.WhatsApp, log))
	registry.MustRegister(telegram.New(ch.Telegram, log))
	registry.MustRegister(meta.New(channel.KindMessenger, ch.Meta, ch.DevMode, log))
	registry.MustRegister(meta.New(channel.KindInstagram, ch.Meta, ch.DevMode, log))
	registry.MustRegister(tiktok.New(ch.TikTok, ch.DevMode, log))
	return registry
}

func provideInboundProcessor(accountService *accounts.Service, inboxService *inbox.Service, registry *channel.Registry, hub *event.Hub, log *slog.Logger) *inbound.Processor {
	return inbound.NewProcessor(accountService, inboxService, registry, hub, log)
}

func provideChannelManager(registry *channel.Registry, accountService *accounts.Service, hub *event.Hub, processor *inbound.Processor, log *slog.Logger, cfg config.Config) *channel.Manager {
	connectTimeout := time.Duration(cfg.Channels.ConnectTimeoutSeconds) * time.Second
	return channel.NewManager(registry, accountService, hub, processor, log, connectTimeout)
}

func provideOutboundPipeline(accountService *accounts.Service, inboxService *inbox.Service, registry *channel.Registry, hub *event.Hub, log *slog.Logger) *outbound.Pipeline {
	return outbound.NewPipeline(accountService, inboxService, registry, hub, log, 0)
}

func provideScheduleService(conn *pgxpool.Pool, pipeline *outbound.Pipeline, log *slog.Logger) *schedule.Service {
	return schedule.NewService(conn, pipeline, log)
}

func provideAuthHandler(log *slog.Logger, userService *users.Service, cfg config.Config) *handlers.AuthHandler {
	expiresIn, err := time.ParseDuration(cfg.Auth.JWTExpiresIn)
	if err != nil || expiresIn <= 0 {
		expiresIn = 24 * time.Hour
	}
	return handlers.NewAuthHandler(log, userService, cfg.Auth.JWTSecret, expiresIn)
}

func provideEventsHandler(log *slog.Logger, hub *event.Hub, accountService *accounts.Service) *handlers.EventsHandler {
	return handlers.NewEventsHandler(log, hub, accountService)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startChannelManager(lc fx.Lifecycle, manager *channel.Manager, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			manager.Start()
			go func() {
				results := manager.RestoreAll(context.Background())
				restored := 0
				for _, r := range results {
					if r.Err != nil {
						logger.Warn("session restore failed",
							slog.String("account_id", r.AccountID),
							slog.String("kind", r.Kind.String()),
							slog.Any("error", r.Err))
						continue
					}
					restored++
				}
				logger.Info("session restore complete",
					slog.Int("restored", restored),
					slog.Int("failed", len(results)-restored))
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			manager.Shutdown(ctx)
			return nil
		},
	})
}

// drainOutbound waits for in-flight deliveries before channel sessions go
// down, so confirmations are not lost on shutdown.
func drainOutbound(lc fx.Lifecycle, pipeline *outbound.Pipeline) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			pipeline.Wait()
			return nil
		},
	})
}

func startScheduleService(lc fx.Lifecycle, scheduleService *schedule.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduleService.Start()
		},
		OnStop: func(ctx context.Context) error {
			scheduleService.Stop()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config, userService *users.Service) {
	fmt.Printf("Starting ReplyHub %s\n", version.GetInfo())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := ensureAdminUser(ctx, logger, userService, cfg); err != nil {
				return err
			}

			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}

func ensureAdminUser(ctx context.Context, log *slog.Logger, userService *users.Service, cfg config.Config) error {
	username := strings.TrimSpace(cfg.Admin.Username)
	password := strings.TrimSpace(cfg.Admin.Password)
	if username == "" || password == "" {
		return fmt.Errorf("admin username/password required in config.toml")
	}
	if password == "change-your-password-here" {
		log.Warn("admin password uses default placeholder; please update config.toml")
	}

	user, err := userService.EnsureAdmin(ctx, username, password)
	if err != nil {
		return fmt.Errorf("ensure admin user: %w", err)
	}
	log.Info("Admin user ready", slog.String("username", user.Username))
	return nil
}
