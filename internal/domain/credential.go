package domain

import "time"

// SealedSecret — зашифрованное значение ключа провайдера (base64). Открывается только в шлюзе.
type SealedSecret string

// String не раскрывает содержимое даже в зашифрованном виде.
func (SealedSecret) String() string { return "[sealed]" }

// Credential — ключ доступа к внешнему провайдеру классификации и его счетчики здоровья.
type Credential struct {
	ID           string       `json:"id"`
	Label        string       `json:"label"`
	Secret       SealedSecret `json:"-"` // Никогда не отдаем наружу
	Active       bool         `json:"active"`
	FailureCount int          `json:"failure_count"`
	LastUsedAt   *time.Time   `json:"last_used_at,omitempty"` // nil — ключ еще ни разу не отработал успешно
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Less задает порядок выбора: меньше ошибок, затем давнее использование.
// Ни разу не использованный ключ считается самым "давним".
func (c *Credential) Less(other *Credential) bool {
	if c.FailureCount != other.FailureCount {
		return c.FailureCount < other.FailureCount
	}
	switch {
	case c.LastUsedAt == nil && other.LastUsedAt != nil:
		return true
	case c.LastUsedAt != nil && other.LastUsedAt == nil:
		return false
	case c.LastUsedAt != nil && other.LastUsedAt != nil && !c.LastUsedAt.Equal(*other.LastUsedAt):
		return c.LastUsedAt.Before(*other.LastUsedAt)
	}
	return c.ID < other.ID
}

// FailureOutcome — результат атомарного инкремента счетчика ошибок.
type FailureOutcome struct {
	FailureCount int
	// Deactivated истинно только для того вызова, который перевел ключ из active в inactive.
	Deactivated bool
}
