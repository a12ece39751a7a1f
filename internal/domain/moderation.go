package domain

import "time"

// ModerationState — состояния конечного автомата модерации
type ModerationState string

const (
	StatePending  ModerationState = "pending"
	StateApproved ModerationState = "approved"
	StateRejected ModerationState = "rejected"
	StateDeleted  ModerationState = "deleted" // Терминальное (soft-delete)
)

func (s ModerationState) Valid() bool {
	switch s {
	case StatePending, StateApproved, StateRejected, StateDeleted:
		return true
	}
	return false
}

// Verdict — сырое решение провайдера.
type Verdict struct {
	IsFlagged    bool      `json:"is_flagged"`
	ClassifiedAt time.Time `json:"classified_at"`
	// CredentialID — каким ключом получен вердикт (для аудита, не часть записи)
	CredentialID string `json:"-"`
}

// Override — отметка о ручном развороте автоматического решения.
type Override struct {
	By string    `json:"by"`
	At time.Time `json:"at"`
}

type ModerationRecord struct {
	ID           string          `json:"id"`
	Text         string          `json:"text"`
	SubmitterRef string          `json:"submitter_ref"`
	SourceRef    string          `json:"source_ref"`
	Verdict      Verdict         `json:"verdict"`
	State        ModerationState `json:"state"`
	Override     *Override       `json:"override,omitempty"` // Ставится не более одного раза

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SuggestedState — куда вердикт предлагает перевести запись. Сама запись остается в pending.
func (r *ModerationRecord) SuggestedState() ModerationState {
	if r.Verdict.IsFlagged {
		return StateRejected
	}
	return StateApproved
}

// Transition описывает одно проверенное изменение состояния.
type Transition struct {
	From     ModerationState
	To       ModerationState
	Override bool
}

// PlanTransition проверяет правила конечного автомата и ничего не меняет.
//
// Обычные переходы: pending -> approved | rejected | deleted.
// Override: approved <-> rejected, один раз за всю жизнь записи.
// deleted поглощающее.
func (r *ModerationRecord) PlanTransition(next ModerationState, override bool) (Transition, error) {
	if !next.Valid() || r.State == StateDeleted {
		return Transition{}, ErrInvalidTransition
	}

	if override {
		if r.Override != nil {
			return Transition{}, ErrInvalidTransition
		}
		opposite, ok := flip(r.State)
		if !ok || next != opposite {
			return Transition{}, ErrInvalidTransition
		}
		return Transition{From: r.State, To: next, Override: true}, nil
	}

	if r.State != StatePending || next == StatePending {
		return Transition{}, ErrInvalidTransition
	}
	return Transition{From: r.State, To: next}, nil
}

// Apply фиксирует переход в памяти. Вызывается после успешного compare-and-set в хранилище.
func (r *ModerationRecord) Apply(t Transition, actorRef string, now time.Time) {
	r.State = t.To
	r.UpdatedAt = now
	if t.Override {
		r.Override = &Override{By: actorRef, At: now}
	}
}

func flip(s ModerationState) (ModerationState, bool) {
	switch s {
	case StateApproved:
		return StateRejected, true
	case StateRejected:
		return StateApproved, true
	}
	return "", false
}

// ModerationFilter — выборка для очереди модерации.
type ModerationFilter struct {
	State ModerationState
	Limit int
}
