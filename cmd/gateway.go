package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/config"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/gateway"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/logger"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/store"
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Run the interview gateway",
	Long:  "Runs the interview engine with every enabled channel, the job dispatcher and the HTTP API.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.gateway")

		st, err := store.Open(cfg.Store.Path, log)
		if err != nil {
			log.Error("Failed to open store", "path", cfg.Store.Path, "error", err)
			return
		}
		defer st.Close()

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := gateway.NewService(runCtx, cfg, st, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started", "provider", cfg.Provider.Name, "model", cfg.Provider.Model)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(gatewayCmd)
}
