// Package session persists execution state behind a small key-value contract.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned by Load and Delete for unknown sessions.
var ErrNotFound = errors.New("session not found")

// State is the persisted record of one session. History and Plan are opaque
// JSON owned by the agent.
type State struct {
	ID        string            `json:"id"`
	History   json.RawMessage   `json:"history"`
	Plan      json.RawMessage   `json:"plan,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s State) Clone() State {
	out := s
	if s.History != nil {
		out.History = append(json.RawMessage(nil), s.History...)
	}
	if s.Plan != nil {
		out.Plan = append(json.RawMessage(nil), s.Plan...)
	}
	if s.Metadata != nil {
		out.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Store is the persistence capability consumed by the agent.
type Store interface {
	Save(ctx context.Context, id string, state State) error
	Load(ctx context.Context, id string) (State, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
}
