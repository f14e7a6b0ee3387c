package model

import "errors"

var (
	// ErrNotFound возвращается, если запрошенная сущность не существует.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition возвращается при недопустимом переходе статуса заказа.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInsufficientBalance возвращается при попытке списания суммы, превышающей баланс.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrCapacityExceeded возвращается, если все места исполнителей на заказе заняты.
	ErrCapacityExceeded = errors.New("worker capacity exceeded")
	// ErrAlreadyAssigned возвращается, если исполнитель уже взял этот заказ.
	ErrAlreadyAssigned = errors.New("worker already assigned")
	// ErrPromoUnknown возвращается для несуществующего промокода.
	ErrPromoUnknown = errors.New("promocode unknown")
	// ErrPromoExhausted возвращается, если у промокода не осталось активаций.
	ErrPromoExhausted = errors.New("promocode exhausted")
	// ErrPromoAlreadyUsed возвращается, если пользователь уже использовал промокод.
	ErrPromoAlreadyUsed = errors.New("promocode already used")
	// ErrSignatureInvalid возвращается, если подпись уведомления платёжной системы не совпала.
	ErrSignatureInvalid = errors.New("signature invalid")
	// ErrUpstreamUnavailable возвращается при недоступности платёжной системы.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrUserExists возвращается при попытке создать пользователя с занятым внешним идентификатором.
	ErrUserExists = errors.New("user already exists")
	// ErrReferrerInvalid возвращается, если пригласивший пользователь не найден или совпадает с новым.
	ErrReferrerInvalid = errors.New("referrer invalid")
	// ErrPromoExists возвращается при повторном создании промокода.
	ErrPromoExists = errors.New("promocode already exists")
	// ErrInvalidArgument возвращается для некорректных входных данных.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrReviewExists возвращается при повторном отзыве об исполнителе по тому же заказу.
	ErrReviewExists = errors.New("review already exists")
	// ErrPaymentHeld возвращается, если оплата получена, но подтвердить её автоматически нельзя
	// и заказ передан сотрудникам на ручную проверку.
	ErrPaymentHeld = errors.New("payment held for manual review")
)
