// Package telegram sends outbound Telegram messages through the Bot API.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/superkanban/internal/bus"
	"github.com/nextlevelbuilder/superkanban/internal/config"
	"github.com/nextlevelbuilder/superkanban/internal/dedupe"
	"github.com/nextlevelbuilder/superkanban/internal/delivery"
	"github.com/nextlevelbuilder/superkanban/internal/netadapter"
)

// botAPI is the slice of the Bot API the sender uses.
type botAPI interface {
	SendVoice(ctx context.Context, params *telego.SendVoiceParams) (*telego.Message, error)
	SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error)
}

// Sender delivers voice notes and text messages for one bot account.
// Voice sends are deduplicated per chat when dedup is enabled.
type Sender struct {
	bot       botAPI
	accountID string
	deduper   *dedupe.Deduper
	windowMs  int64
}

// NewSender creates a sender from config. When cfg.Diag is set and events is
// non-nil, Bot API traffic is routed through the diagnostic transport.
func NewSender(cfg config.TelegramConfig, events bus.EventPublisher) (*Sender, error) {
	var opts []telego.BotOption

	if cfg.Diag && events != nil {
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: netadapter.NewDiagnosticTransport(nil, events),
		}))
	}

	bot, err := telego.NewBot(cfg.Token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	s := &Sender{
		bot:       bot,
		accountID: accountIDFromToken(cfg.Token),
	}
	if cfg.DedupVoice {
		s.deduper = dedupe.New()
	}
	return s, nil
}

// SendVoice sends a voice note to chatID. Returns sent=false when the payload
// was suppressed as a duplicate inside the dedupe window.
func (s *Sender) SendVoice(ctx context.Context, chatID int64, voice []byte, name string) (sent bool, err error) {
	chatIDStr := strconv.FormatInt(chatID, 10)
	ctx = delivery.WithPartial(ctx, delivery.TelegramDeliveryContext{
		AccountID: s.accountID,
		ChatID:    chatIDStr,
		Operation: "sendVoice",
	})

	if s.deduper != nil {
		fp := dedupe.Fingerprint(voice)
		if s.deduper.ShouldDedupe(dedupe.Params{
			AccountID:   s.accountID,
			ChatID:      chatIDStr,
			Fingerprint: fp,
			WindowMs:    s.windowMs,
		}) {
			slog.Info("voice send deduplicated",
				"chatId", chatIDStr,
				"bytes", len(voice))
			return false, nil
		}
	}

	msg := tu.Voice(tu.ID(chatID), tu.File(tu.NameReader(bytes.NewReader(voice), name)))
	if _, err := s.bot.SendVoice(ctx, msg); err != nil {
		return false, fmt.Errorf("send voice: %w", err)
	}
	return true, nil
}

// SendMessage sends a plain text message to chatID.
func (s *Sender) SendMessage(ctx context.Context, chatID int64, text string) error {
	ctx = delivery.WithPartial(ctx, delivery.TelegramDeliveryContext{
		AccountID: s.accountID,
		ChatID:    strconv.FormatInt(chatID, 10),
		Operation: "sendMessage",
	})

	msg := tu.Message(tu.ID(chatID), text)
	if _, err := s.bot.SendMessage(ctx, msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// accountIDFromToken extracts the numeric bot id prefix of a bot token.
func accountIDFromToken(token string) string {
	id, _, found := strings.Cut(token, ":")
	if !found || id == "" {
		return "bot"
	}
	return id
}
