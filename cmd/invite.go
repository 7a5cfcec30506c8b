package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/config"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/logger"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/store"
)

var inviteTTLHours int

// inviteCmd issues a web interview invitation for a candidate without going
// through the job queue. Useful for manual testing and one-off invites.
var inviteCmd = &cobra.Command{
	Use:   "invite [candidate-ref]",
	Short: "Issue a web interview session token",
	Long:  "Creates a web session for a candidate reference and prints the session id and access token.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		candidateRef := strings.TrimSpace(args[0])
		if candidateRef == "" {
			fmt.Println("candidate reference is required")
			return
		}

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

		st, err := store.Open(cfg.Store.Path, slog.Default())
		if err != nil {
			fmt.Printf("failed to open store: %v\n", err)
			return
		}
		defer st.Close()

		ttl := time.Duration(inviteTTLHours) * time.Hour
		if inviteTTLHours <= 0 {
			ttl = time.Duration(cfg.Interview.InviteTTLHours) * time.Hour
		}
		if ttl <= 0 {
			ttl = 72 * time.Hour
		}

		session, err := st.CreateSession(context.Background(), candidateRef, ttl)
		if err != nil {
			fmt.Printf("failed to create session: %v\n", err)
			return
		}

		fmt.Printf("session_id: %s\n", session.ID)
		fmt.Printf("token:      %s\n", session.Token)
		fmt.Printf("expires_at: %s\n", session.ExpiresAt.Format(time.RFC3339))
	},
}

func init() {
	rootCmd.AddCommand(inviteCmd)
	inviteCmd.Flags().IntVar(&inviteTTLHours, "ttl-hours", 0, "session lifetime in hours (defaults to config)")
}
