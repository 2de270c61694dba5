// Package session owns the dual-layer conversation history. Every session
// carries a local history with full content and a cloud history that only
// ever holds sanitizer fixed points. The local layer never leaves the
// process; the cloud layer is what prompt assembly reads.
package session

import "time"

// History layers.
const (
	LayerCloud = "cloud"
	LayerLocal = "local"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message kinds.
const (
	KindIntent        = "intent"
	KindSQL           = "sql"
	KindAnalysis      = "analysis"
	KindClarification = "clarification"
	KindText          = "text"
	KindStatus        = "status"
)

// Message is one entry in a history layer.
type Message struct {
	ID        string    `json:"id"`
	TurnID    string    `json:"turnId,omitempty"`
	Role      string    `json:"role"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Clarification is a pending disambiguation question. Round counts how many
// clarification round-trips this turn chain has already used.
type Clarification struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Round    int      `json:"round"`
}

// Compression records one cloud-history compression event.
type Compression struct {
	ID              string    `json:"id"`
	Timestamp       time.Time `json:"timestamp"`
	Summary         string    `json:"summary"`
	TokensBefore    int       `json:"tokensBefore"`
	TokensAfter     int       `json:"tokensAfter"`
	MessagesRemoved int       `json:"messagesRemoved"`
}

// SessionInfo is a summary row for listing sessions.
type SessionInfo struct {
	ID               string    `json:"id"`
	CreatedAt        time.Time `json:"createdAt"`
	LastActiveAt     time.Time `json:"lastActiveAt"`
	CompressionCount int       `json:"compressionCount"`
	LocalMessages    int       `json:"localMessages"`
	CloudMessages    int       `json:"cloudMessages"`
}
