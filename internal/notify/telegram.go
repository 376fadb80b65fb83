package notify

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
)

// Sender is the part of *tgbotapi.BotAPI the sink uses.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// ChatResolver returns the Telegram chat linked to a user, or nil when none is.
type ChatResolver func(ctx context.Context, userID uuid.UUID) (*int64, error)

// TelegramSink messages users who linked a Telegram chat.
type TelegramSink struct {
	bot     Sender
	resolve ChatResolver
}

func NewTelegramSink(bot Sender, resolve ChatResolver) *TelegramSink {
	return &TelegramSink{bot: bot, resolve: resolve}
}

// NewTelegramBot connects to the Bot API with token.
func NewTelegramBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect telegram bot: %w", err)
	}
	return bot, nil
}

func (*TelegramSink) Name() string { return "telegram" }

func (s *TelegramSink) Deliver(ctx context.Context, e Event) error {
	chatID, err := s.resolve(ctx, e.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve chat: %w", err)
	}
	if chatID == nil {
		return nil
	}

	msg := tgbotapi.NewMessage(*chatID, Format(e))
	if _, err := s.bot.Send(msg); err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	return nil
}

// Format renders an event as a short chat message.
func Format(e Event) string {
	var title string
	switch e.Kind {
	case ProofSubmitted:
		title = "New proof submitted"
	case ProofValidated:
		title = "Proof validated"
	case VoteCast:
		title = "New vote on your proof"
	case DisputeOpened:
		title = "Dispute opened"
	case DisputeResolved:
		title = "Dispute resolved"
	case Payout:
		title = "Payout received"
	case Refund:
		title = "Stake refunded"
	default:
		title = "Update"
	}
	if e.Message == "" {
		return title
	}
	return title + ": " + e.Message
}
