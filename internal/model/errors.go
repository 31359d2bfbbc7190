package model

import "errors"

// Общие ошибки ядра, по виду отказа
var (
	ErrOffline          = errors.New("no connectivity")
	ErrNotAuthorized    = errors.New("not authorized for this link")
	ErrDuplicateRequest = errors.New("link request already pending")
	ErrLinkNotFound     = errors.New("link not found")
	ErrAccountNotFound  = errors.New("account not found")
	ErrNotPending       = errors.New("link is not pending")
	ErrNotActive        = errors.New("link is not active")
)

// ErrorMessage возвращает пользовательское сообщение для ошибки
func ErrorMessage(err error) string {
	switch {
	case errors.Is(err, ErrOffline):
		return "❌ Нет подключения к сети. Попробуйте позже"
	case errors.Is(err, ErrNotAuthorized):
		return "❌ У вас нет доступа к этой связи"
	case errors.Is(err, ErrDuplicateRequest):
		return "✅ Заявка уже отправлена и ждёт ответа"
	case errors.Is(err, ErrLinkNotFound):
		return "❌ Связь не найдена"
	case errors.Is(err, ErrAccountNotFound):
		return "❌ Пользователь не найден"
	case errors.Is(err, ErrNotPending):
		return "❌ Заявка уже обработана"
	case errors.Is(err, ErrNotActive):
		return "❌ Связь не активна"
	default:
		return "❌ Произошла ошибка"
	}
}
