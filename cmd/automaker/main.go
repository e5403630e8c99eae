package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	xterm "golang.org/x/term"

	"github.com/younghai/automaker/internal/config"
	"github.com/younghai/automaker/internal/logging"
	"github.com/younghai/automaker/internal/statedb"
	"github.com/younghai/automaker/internal/term"
	"github.com/younghai/automaker/internal/web"
	"github.com/younghai/automaker/internal/workspace"
)

const Version = "0.1.0"

const shutdownTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("automaker", flag.ExitOnError)
	configPath := fs.String("config", config.Path(), "Path to the TOML config file")
	listenAddr := fs.String("listen", "", "Listen address (overrides config)")
	password := fs.String("password", "", "API password (overrides config)")
	logLevel := fs.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	project := fs.String("project", "", "Project directory to activate on startup")
	showVersion := fs.Bool("version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Println("Usage: automaker [options]")
		fmt.Println()
		fmt.Println("Run the terminal session engine and its HTTP API.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Printf("automaker v%s\n", Version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "automaker: %v\n", err)
		return 1
	}
	if *listenAddr != "" {
		cfg.Web.ListenAddr = *listenAddr
	}
	if *password != "" {
		cfg.Web.Password = *password
	}
	if *logLevel != "" {
		cfg.Logs.Level = *logLevel
	}

	logFormat := cfg.Logs.Format
	if logFormat == "" && xterm.IsTerminal(int(os.Stderr.Fd())) {
		logFormat = "text"
	}
	logging.Init(logging.Config{
		LogDir:   config.Dir(),
		Level:    cfg.Logs.Level,
		Format:   logFormat,
		Compress: true,
	})
	defer logging.Shutdown()

	log := logging.Logger()
	log.Info("starting", slog.String("version", Version), slog.String("addr", cfg.Web.ListenAddr))

	db, err := statedb.Open(filepath.Join(config.Dir(), "state.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "automaker: open state db: %v\n", err)
		return 1
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		fmt.Fprintf(os.Stderr, "automaker: migrate state db: %v\n", err)
		return 1
	}

	mgr := term.NewManager(term.Options{
		MaxSessions:      cfg.Terminal.MaxSessions,
		CoalesceInterval: cfg.Terminal.CoalesceInterval(),
		KillGrace:        cfg.Terminal.KillGrace(),
		ScrollbackLimit:  cfg.Terminal.ScrollbackLimitBytes,
		DefaultCols:      cfg.Terminal.DefaultCols,
		DefaultRows:      cfg.Terminal.DefaultRows,
	})

	// The notifier reaches the server's event feed; srv is assigned below,
	// before any notification can fire.
	var srv *web.Server
	ws := workspace.New(workspace.Options{
		Manager: mgr,
		Store:   db,
		Notify: func(msg string) {
			if srv != nil {
				srv.Notify(msg)
			}
		},
		SaveDebounce:   config.SaveDebounce,
		CreateCooldown: config.CreateCooldown,
	})

	srv = web.NewServer(web.Config{
		ListenAddr: cfg.Web.ListenAddr,
		Password:   cfg.Web.Password,
		Manager:    mgr,
		Workspace:  ws,
		Store:      db,
	})

	// Hot reload of engine tunables on config edits.
	if watcher, err := config.NewWatcher(*configPath, func(next *config.Config) {
		mgr.SetMaxSessions(next.Terminal.MaxSessions)
		mgr.SetCoalesceInterval(next.Terminal.CoalesceInterval())
	}); err != nil {
		log.Warn("config_watcher_disabled", slog.String("error", err.Error()))
	} else {
		go watcher.Start()
		defer watcher.Close()
	}

	if *project != "" {
		summary, err := ws.ActivateProject(*project)
		if err != nil {
			log.Warn("startup_activate_failed",
				slog.String("project", *project),
				slog.String("error", err.Error()))
		} else {
			log.Info("startup_project_restored",
				slog.String("project", *project),
				slog.Int("reconnected", summary.Reconnected),
				slog.Int("recreated", summary.Recreated),
				slog.Int("failed", summary.Failed))
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "automaker: server error: %v\n", err)
			ws.Shutdown()
			return 1
		}
		ws.Shutdown()
		return 0
	case sig := <-sigCh:
		log.Info("shutting_down", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("shutdown_error", slog.String("error", err.Error()))
	}

	// Flush the pending layout save and terminate sessions before exit.
	ws.Shutdown()
	return 0
}
