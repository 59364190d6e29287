package rabbitmq

import "github.com/magabrotheeeer/signals-bot/internal/models"

// Exchange направляет события подписок в очереди уведомлений.
const Exchange = "notifications"

// NotificationsQueue очередь, которую читает notification-sender.
const NotificationsQueue = "notifications.subscription"

type QueueConfig struct {
	QueueName   string
	RoutingKeys []string
}

// GetNotificationQueues очереди уведомлений пользователей.
// Ключ маршрутизации совпадает с типом события.
func GetNotificationQueues() []QueueConfig {
	return []QueueConfig{
		{
			QueueName: NotificationsQueue,
			RoutingKeys: []string{
				models.EventActivated,
				models.EventExpired,
				models.EventExpiring,
			},
		},
	}
}
