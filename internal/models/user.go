// Package models содержит доменную модель пользователя бота,
// заявки на подписку и вспомогательные типы денег, событий и ошибок.
// Структуры используются в бизнес‑логике и при работе с хранилищем.
package models

import "time"

// User представляет пользователя бота.
type User struct {
	ID         int64     // Внутренний идентификатор
	ExternalID string    // Идентификатор аккаунта в Telegram (уникальный)
	Username   string    // Имя пользователя в Telegram
	FirstName  string    // Имя
	LastName   string    // Фамилия
	IsAdmin    bool      // Флаг администратора
	CreatedAt  time.Time // Дата первого обращения
}

// UserMeta описывает отображаемые данные пользователя.
// Поля носят справочный характер и не участвуют в логике.
type UserMeta struct {
	Username  string
	FirstName string
	LastName  string
}
