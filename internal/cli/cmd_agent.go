package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cat4igp/cat4igp/internal/client"
	"github.com/cat4igp/cat4igp/internal/config"
	"github.com/cat4igp/cat4igp/internal/debughttp"
	ilog "github.com/cat4igp/cat4igp/internal/log"
)

func runAgent(ctx context.Context, args []string) int {
	loadEnvFromDotEnv(".env")

	cfg, err := config.ParseAgentFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "agent config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel, cfg.LogFormat)

	agent := client.NewAgent(cfg, logger)
	if cfg.ConfigureWG {
		wg, err := client.NewWireGuardApplier(logger)
		if err != nil {
			fmt.Fprintln(os.Stderr, "wireguard error:", err)
			return 1
		}
		defer func() { _ = wg.Close() }()
		agent.SetApplier(wg)
	}

	if _, err := debughttp.Start(ctx, cfg.PprofListen, logger); err != nil {
		fmt.Fprintln(os.Stderr, "pprof error:", err)
		return 1
	}

	logger.Info("starting agent", "version", Version, "server", cfg.ServerURL, "name", cfg.Name)
	if err := agent.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agent error:", err)
		if errors.Is(err, client.ErrNotEnrolled) {
			return 2
		}
		return 1
	}
	return 0
}
