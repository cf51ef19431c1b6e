package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gregdel/pushover"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/marquee-dev/marquee/config"
	"github.com/marquee-dev/marquee/discord"
	"github.com/marquee-dev/marquee/events"
	"github.com/marquee-dev/marquee/migrations"
	"github.com/marquee-dev/marquee/playback"
	"github.com/marquee-dev/marquee/presence"
	"github.com/marquee-dev/marquee/tmdb"
	"github.com/marquee-dev/marquee/utils"
)

func main() {
	cfg, err := config.Load(utils.GetEnv("CONFIG_PATH", "config.yaml"))
	if err != nil {
		slog.Error("Failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.GetLogLevel(),
	}))
	slog.SetDefault(logger)

	if len(cfg.Servers) == 0 {
		slog.Error("No servers configured, nothing to do")
		os.Exit(1)
	}

	database, err := sqlx.Connect("sqlite", cfg.API.DBPath)
	if err != nil {
		slog.Error("Failed to open database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer database.Close()

	goose.SetBaseFS(migrations.GetMigrations())
	if err := goose.SetDialect("sqlite3"); err != nil {
		slog.Error("Failed to set migration dialect", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := goose.Up(database.DB, "."); err != nil {
		slog.Error("Failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}

	events.Init()

	ps := playback.NewPlaybackSystem(database)
	posters := tmdb.NewResolver(cfg.TMDB.APIKey)

	opts := presence.Options{
		Playback:   ps,
		StorageDir: cfg.API.StorageDir,
	}
	if cfg.Pushover.Token != "" && cfg.Pushover.Recipient != "" {
		opts.Pushover = pushover.New(cfg.Pushover.Token)
		opts.Recipient = pushover.NewRecipient(cfg.Pushover.Recipient)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, server := range cfg.Servers {
		listener := presence.NewListener(
			server,
			presence.PlexConnector(cfg.Plex.Token, server),
			discord.NewClient(cfg.Discord.ClientID),
			posters,
			opts,
		)
		go listener.Run(ctx)
	}

	router := RegisterRoutes(http.NewServeMux(), ps, cfg.API.StorageDir)

	httpServer := &http.Server{Addr: cfg.API.Addr, Handler: router}
	go func() {
		slog.Info("Marquee is running", slog.String("addr", cfg.API.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")
	httpServer.Shutdown(context.Background())
}
