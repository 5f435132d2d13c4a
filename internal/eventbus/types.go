package eventbus

import "time"

type Event struct {
	ID        string         `json:"id"`
	Stream    string         `json:"stream"`
	ScopeType string         `json:"scope_type"`
	ScopeID   string         `json:"scope_id"`
	Subject   string         `json:"subject"`
	Body      string         `json:"body"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type EventSummary struct {
	ID        string    `json:"id"`
	Stream    string    `json:"stream"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
}

type EventInput struct {
	Stream    string
	ScopeType string
	ScopeID   string
	Subject   string
	Body      string
	Metadata  map[string]any
	Payload   map[string]any
}

type ListOptions struct {
	Limit     int
	Order     string
	ScopeType string
	ScopeID   string
}
