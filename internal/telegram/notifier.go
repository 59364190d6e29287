package telegram

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// ErrRecipientUnavailable пользователь заблокировал бота или удалил чат.
var ErrRecipientUnavailable = errors.New("telegram recipient unavailable")

// Notifier отправляет уведомления пользователям в личные сообщения.
type Notifier struct {
	api BotAPI
}

func NewNotifier(api BotAPI) *Notifier {
	return &Notifier{api: api}
}

// Notify отправляет text в чат chatID.
func (n *Notifier) Notify(ctx context.Context, chatID int64, text string) error {
	const op = "telegram.Notify"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if _, err := n.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) && (apiErr.Code == http.StatusForbidden || apiErr.Code == http.StatusBadRequest) {
			return fmt.Errorf("%s: %w: %s", op, ErrRecipientUnavailable, apiErr.Message)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
