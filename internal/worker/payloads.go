package worker

type HistoryPayload struct {
	AccountID    string `json:"accountId"`
	TenantID     string `json:"organizationId"`
	LookbackDays int    `json:"lookbackDays"`
}

type SyncPayload struct {
	AccountID string `json:"accountId"`
	TenantID  string `json:"organizationId"`
	// FullSync lists the lookback window instead of the provider delta.
	FullSync bool `json:"fullSync,omitempty"`
}

type TriagePayload struct {
	MessageID string `json:"emailId"`
	TenantID  string `json:"organizationId,omitempty"`
}

type StylePayload struct {
	UserID   string `json:"userId"`
	TenantID string `json:"organizationId"`
}

type FollowUpPayload struct {
	TenantID string `json:"organizationId"`
}
