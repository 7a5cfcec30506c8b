package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"

	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/config"
	"github.com/botcraftengineer/qbs-autonaim-sub012/pkg/interview"
)

// Verifier checks workspace bot credentials against the Telegram API. The
// bot token is the credential that matters; submitted operator email and
// password only gate the workspace console and are checked for shape.
type Verifier struct {
	cfg config.TelegramConfig
}

func NewVerifier(cfg config.TelegramConfig) Verifier {
	return Verifier{cfg: cfg}
}

// VerifyLogin confirms the workspace bot token still authenticates.
func (v Verifier) VerifyLogin(ctx context.Context, login interview.ChannelLogin) error {
	if !login.Active {
		return errors.New("channel login is inactive")
	}

	return v.pingBot(ctx)
}

// VerifyCredentials validates submitted workspace credentials and confirms
// the platform side is reachable with the configured bot token.
func (v Verifier) VerifyCredentials(ctx context.Context, email, password string) error {
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email: %s", email)
	}
	if strings.TrimSpace(password) == "" {
		return errors.New("password is required")
	}

	return v.pingBot(ctx)
}

func (v Verifier) pingBot(ctx context.Context) error {
	token := strings.TrimSpace(v.cfg.Token)
	if token == "" {
		return errors.New("no bot token configured")
	}

	bot, err := telego.NewBot(token)
	if err != nil {
		return fmt.Errorf("initialize telegram bot: %w", err)
	}

	if _, err := bot.GetMe(ctx); err != nil {
		return fmt.Errorf("telegram auth check failed: %w", err)
	}
	return nil
}
