package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/streadway/amqp"

	"github.com/magabrotheeeer/signals-bot/internal/lib/sl"
)

// ErrDiscard сообщение нельзя обработать и повторять не нужно.
var ErrDiscard = errors.New("discard message")

// ConsumerMessage запускает потребителя очереди queueName. Не более 10 сообщений
// обрабатываются одновременно. Ошибка обработчика возвращает сообщение в очередь,
// кроме ErrDiscard: такое сообщение отбрасывается.
func ConsumerMessage(ctx context.Context, log *slog.Logger, ch *amqp.Channel, queueName string, handler func(context.Context, []byte) error) error {
	const op = "rabbitmq.ConsumerMessage"
	delivery, err := ch.Consume(
		queueName,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	sem := make(chan struct{}, 10)
	go func() {
		for {
			select {
			case d, ok := <-delivery:
				if !ok {
					return
				}
				sem <- struct{}{}
				go func(delivery amqp.Delivery) {
					defer func() { <-sem }()
					handle(ctx, log, delivery, handler)
				}(d)
			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// Acknowledger часть amqp.Delivery для подтверждения сообщения.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func handle(ctx context.Context, log *slog.Logger, d amqp.Delivery, handler func(context.Context, []byte) error) {
	settle(log, &d, d.MessageId, handler(ctx, d.Body))
}

func settle(log *slog.Logger, ack Acknowledger, messageID string, err error) {
	switch {
	case err == nil:
		if ackErr := ack.Ack(false); ackErr != nil {
			log.Error("failed to ack message", slog.String("message_id", messageID), sl.Err(ackErr))
		}
	case errors.Is(err, ErrDiscard):
		log.Warn("message discarded", slog.String("message_id", messageID), sl.Err(err))
		if nackErr := ack.Nack(false, false); nackErr != nil {
			log.Error("failed to nack message", slog.String("message_id", messageID), sl.Err(nackErr))
		}
	default:
		log.Error("message handling failed, requeue", slog.String("message_id", messageID), sl.Err(err))
		if nackErr := ack.Nack(false, true); nackErr != nil {
			log.Error("failed to nack message", slog.String("message_id", messageID), sl.Err(nackErr))
		}
	}
}
