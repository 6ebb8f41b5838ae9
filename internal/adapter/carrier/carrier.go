// Package carrier implements the telephony providers behind domain.Carrier:
// Twilio (form webhooks, TwiML connect directives), Telnyx (JSON webhooks,
// Ed25519 signatures, API-initiated streaming), and a recording mock. It
// also defines the JSON envelope both providers speak on the media socket.
package carrier

import (
	"fmt"
	"log/slog"

	"github.com/ross-commits/talk-to-claude/internal/domain"
	"github.com/ross-commits/talk-to-claude/internal/infra/config"
)

// New builds the carrier selected by cfg.Carrier. publicURL is the external
// base URL of the webhook server, used for webhook signature verification.
func New(cfg config.TelephonyConfig, publicURL string, logger *slog.Logger) (domain.Carrier, error) {
	switch cfg.Carrier {
	case "twilio":
		return NewTwilio(cfg.Twilio, publicURL, logger), nil
	case "telnyx":
		return NewTelnyx(cfg.Telnyx, logger)
	case "mock":
		return NewMock(), nil
	default:
		return nil, domain.NewDomainError("carrier.New", domain.ErrConfig, fmt.Sprintf("unknown carrier %q", cfg.Carrier))
	}
}
