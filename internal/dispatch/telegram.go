package dispatch

import (
	"context"
	"fmt"
	"html"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v3"

	"github.com/example/ride-escrow/internal/models"
)

// TelegramSender messages drivers whose push token is their Telegram chat id.
type TelegramSender struct {
	bot *tele.Bot
}

func NewTelegramSender(token string) (*TelegramSender, error) {
	b, err := tele.NewBot(tele.Settings{Token: token, Offline: true})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &TelegramSender{bot: b}, nil
}

func (t *TelegramSender) Send(ctx context.Context, d models.Driver, n Notification) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(d.PushToken), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: driver %s has invalid chat id %q", d.ID, d.PushToken)
	}
	_, err = t.bot.Send(&tele.User{ID: chatID}, "<b>"+html.EscapeString(n.Title)+"</b>\n"+html.EscapeString(n.Body), tele.ModeHTML)
	return err
}
