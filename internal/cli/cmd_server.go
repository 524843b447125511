package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/cat4igp/cat4igp/internal/auth"
	"github.com/cat4igp/cat4igp/internal/config"
	"github.com/cat4igp/cat4igp/internal/control"
	"github.com/cat4igp/cat4igp/internal/debughttp"
	ilog "github.com/cat4igp/cat4igp/internal/log"
	"github.com/cat4igp/cat4igp/internal/server"
	"github.com/cat4igp/cat4igp/internal/settings"
	"github.com/cat4igp/cat4igp/internal/store/sqlite"
)

func runServer(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	st := settings.New(store)
	if err := st.Load(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "settings error:", err)
		return 1
	}
	pepper, err := st.AuthPepper(ctx, cfg.AuthPepper, auth.GeneratePepper)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	if cfg.OperatorToken == "" {
		logger.Warn("operator API disabled; set CAT4IGP_OPERATOR_TOKEN to manage meshes")
	}

	if _, err := debughttp.Start(ctx, cfg.PprofListen, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	hub := server.NewHub(logger)
	svc := control.New(control.Options{
		Store:    store,
		Settings: st,
		Pepper:   pepper,
		Notifier: hub,
		Logger:   logger,
	})
	logger.Info("starting control plane", "version", Version, "listen", cfg.Listen, "tls_mode", cfg.TLSMode, "db", cfg.DBPath)
	if err := server.New(cfg, svc, hub, logger).Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}
