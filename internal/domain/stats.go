package domain

// ModerationStats — сводка для дашборда персонала.
type ModerationStats struct {
	ByState             map[ModerationState]int64 `json:"by_state"`
	Overridden          int64                     `json:"overridden"`
	ActiveCredentials   int64                     `json:"active_credentials"`
	InactiveCredentials int64                     `json:"inactive_credentials"`
}
