package audit

import (
	"time"

	"go.uber.org/zap/zapcore"
)

// Severity — уровень важности события аудита
type Severity string

const (
	SeverityDebug Severity = "debug"
	SeverityInfo  Severity = "info"
	SeverityWarn  Severity = "warn"
	SeverityError Severity = "error"
)

// Level переводит Severity в уровень zap. Неизвестные значения считаем info.
func (s Severity) Level() zapcore.Level {
	switch s {
	case SeverityDebug:
		return zapcore.DebugLevel
	case SeverityWarn:
		return zapcore.WarnLevel
	case SeverityError:
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// ParseSeverity используется конфигом (audit.min_severity).
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityDebug, SeverityInfo, SeverityWarn, SeverityError:
		return Severity(s)
	case "warning":
		return SeverityWarn
	}
	return SeverityInfo
}

// Category — закрытое перечисление типов событий.
type Category string

const (
	CategoryCredentialAdded       Category = "CREDENTIAL_ADDED"
	CategoryCredentialFailover    Category = "CREDENTIAL_FAILOVER"
	CategoryCredentialDeactivated Category = "CREDENTIAL_DEACTIVATED"
	CategoryCredentialReactivated Category = "CREDENTIAL_REACTIVATED"
	CategoryClassification        Category = "CLASSIFICATION"
	CategoryClassificationFailed  Category = "CLASSIFICATION_FAILED"
	CategoryModerationStateChange Category = "MODERATION_STATE_CHANGE"
	CategoryModerationOverride    Category = "MODERATION_OVERRIDE"
)

var categories = map[Category]struct{}{
	CategoryCredentialAdded:       {},
	CategoryCredentialFailover:    {},
	CategoryCredentialDeactivated: {},
	CategoryCredentialReactivated: {},
	CategoryClassification:        {},
	CategoryClassificationFailed:  {},
	CategoryModerationStateChange: {},
	CategoryModerationOverride:    {},
}

func (c Category) Valid() bool {
	_, ok := categories[c]
	return ok
}

type AuditEvent struct {
	ID        string                 `json:"id"` // UUID события
	TraceID   string                 `json:"trace_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Severity  Severity               `json:"severity"`
	Category  Category               `json:"category"`
	ActorRef  string                 `json:"actor_ref,omitempty"` // Пусто — событие инициировано системой
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Filter — параметры выборки журнала. Нулевые значения означают "без ограничения".
type Filter struct {
	From     time.Time
	To       time.Time
	Category Category
	ActorRef string
	Text     string // Подстрока в Message, без учета регистра
	Limit    int
}

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

// Normalize приводит лимит к допустимому диапазону.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Limit > MaxQueryLimit {
		f.Limit = MaxQueryLimit
	}
	return f
}
