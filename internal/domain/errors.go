package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNoCredentialAvailable — в пуле нет ни одного активного ключа. Терминально для текущей попытки.
	ErrNoCredentialAvailable = errors.New("no credential available")
	// ErrProviderError — конкретный ключ/вызов провайдера не удался. Вызывающий может повторить Classify.
	ErrProviderError = errors.New("classification provider error")
	// ErrInvalidTransition — нарушение конечного автомата модерации.
	ErrInvalidTransition = errors.New("invalid moderation state transition")
	// ErrAuditPersistence — вторичный (персистентный) сток аудита не принял событие. Никогда не пробрасывается.
	ErrAuditPersistence = errors.New("audit persistence failure")

	ErrNotFound = errors.New("not found")
)

// ClassificationError — ClassificationFailed из контракта шлюза.
// Cause всегда один из ErrNoCredentialAvailable / ErrProviderError, errors.Is работает через Unwrap.
type ClassificationError struct {
	Cause        error
	CredentialID string // пусто, если ключ не был выдан
	Err          error  // исходная ошибка провайдера (сеть, парсинг, HTTP-статус)
}

func (e *ClassificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("classification failed: %v: %v", e.Cause, e.Err)
	}
	return fmt.Sprintf("classification failed: %v", e.Cause)
}

func (e *ClassificationError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Cause, e.Err}
	}
	return []error{e.Cause}
}
