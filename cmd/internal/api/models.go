package api

type sessionView struct {
	ID      string `json:"id"`
	Index   int    `json:"index"`
	Current bool   `json:"current"`
}

type sessionStatusResponse struct {
	Status         string `json:"status"`
	Fresh          bool   `json:"fresh"`
	AccountID      string `json:"accountId"`
	SessionID      string `json:"sessionId"`
	PollIntervalMs int64  `json:"pollIntervalMs"`
}

type conflictResponse struct {
	Error              apiError      `json:"error"`
	AttemptedSessionID string        `json:"attemptedSessionId"`
	ActiveSessions     []sessionView `json:"activeSessions"`
}

type sessionsResponse struct {
	CurrentSessionID string        `json:"currentSessionId"`
	Sessions         []sessionView `json:"sessions"`
}

type resolveRequest struct {
	VictimSessionID string `json:"victimSessionId"`
}

type resolveResponse struct {
	Status         string        `json:"status"`
	ActiveSessions []sessionView `json:"activeSessions"`
}

type staleVictimResponse struct {
	Error          apiError      `json:"error"`
	ActiveSessions []sessionView `json:"activeSessions"`
}

type logoutResponse struct {
	Removed bool `json:"removed"`
}

// checkSessionRequest accepts auth0Id as an alias of accountId for clients
// written against the original endpoint.
type checkSessionRequest struct {
	AccountID        string `json:"accountId"`
	Auth0ID          string `json:"auth0Id"`
	CurrentSessionID string `json:"currentSessionId"`
}

type checkSessionResponse struct {
	IsValid bool `json:"isValid"`
}

// toSessionViews numbers sessions from 1 in insertion order.
func toSessionViews(ids []string, current string) []sessionView {
	out := make([]sessionView, 0, len(ids))
	for i, id := range ids {
		out = append(out, sessionView{ID: id, Index: i + 1, Current: id == current})
	}
	return out
}
