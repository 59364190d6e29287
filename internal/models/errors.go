package models

import "errors"

// Ошибки жизненного цикла подписки и обработки платежей.
var (
	// ErrConflict у пользователя уже есть открытая (pending или active) подписка.
	ErrConflict = errors.New("open subscription already exists")
	// ErrNotFound запрошенная сущность не найдена.
	ErrNotFound = errors.New("not found")
	// ErrState операция недопустима в текущем состоянии подписки.
	ErrState = errors.New("invalid subscription state")
	// ErrAlreadyAttached к подписке уже привязан другой платёжный идентификатор.
	ErrAlreadyAttached = errors.New("payment reference already attached")
	// ErrValidation данные платежа не соответствуют подписке.
	ErrValidation = errors.New("payment validation failed")
	// ErrAuthentication подпись уведомления не прошла проверку.
	ErrAuthentication = errors.New("notification signature mismatch")
)
