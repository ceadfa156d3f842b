// Package queue holds the envelope wire format shared by the queue adapters.
package queue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aescanero/kgworker/pkg/domain"
)

// wireEnvelope is the JSON form of an envelope as producers write it.
// task_id may be a number or a string.
type wireEnvelope struct {
	TaskID     json.RawMessage `json:"task_id"`
	Provider   string          `json:"provider,omitempty"`
	PayloadRef string          `json:"payload_ref,omitempty"`
	EnqueuedAt *time.Time      `json:"enqueued_at,omitempty"`
}

// Encode returns the queue form of env
func Encode(env *domain.TaskEnvelope) (string, error) {
	if err := env.Validate(); err != nil {
		return "", err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return string(data), nil
}

// Decode parses a raw queue item popped from the queue of provider. The
// queue partition is authoritative for the provider. On failure the
// returned envelope still carries Raw so the item can be acknowledged.
func Decode(raw string, provider domain.ProviderID) (*domain.TaskEnvelope, error) {
	env := &domain.TaskEnvelope{Provider: provider, Raw: raw}

	var w wireEnvelope
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return env, fmt.Errorf("%w: %v", domain.ErrMalformedEnvelope, err)
	}

	taskID, err := decodeTaskID(w.TaskID)
	if err != nil {
		return env, err
	}
	env.TaskID = taskID
	env.PayloadRef = w.PayloadRef
	if w.EnqueuedAt != nil {
		env.EnqueuedAt = *w.EnqueuedAt
	}

	if err := env.Validate(); err != nil {
		return env, err
	}
	return env, nil
}

func decodeTaskID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", fmt.Errorf("%w: task_id is required", domain.ErrMalformedEnvelope)
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("%w: task_id: %v", domain.ErrMalformedEnvelope, err)
		}
		return strings.TrimSpace(s), nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("%w: task_id must be a string or number", domain.ErrMalformedEnvelope)
	}
	return n.String(), nil
}
