package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/aescanero/kgworker/pkg/domain"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantID    string
		malformed bool
	}{
		{"numeric task id", `{"task_id": 42, "provider": "openai"}`, "42", false},
		{"string task id", `{"task_id": "t-7"}`, "t-7", false},
		{"missing task id", `{"provider": "openai"}`, "", true},
		{"null task id", `{"task_id": null}`, "", true},
		{"empty task id", `{"task_id": "  "}`, "", true},
		{"object task id", `{"task_id": {"x": 1}}`, "", true},
		{"not json", `hello`, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := Decode(tt.raw, "openai")
			if tt.malformed {
				if !errors.Is(err, domain.ErrMalformedEnvelope) {
					t.Fatalf("Decode() error = %v, want ErrMalformedEnvelope", err)
				}
				if env == nil || env.Raw != tt.raw {
					t.Errorf("malformed envelope lost its raw form")
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if env.TaskID != tt.wantID {
				t.Errorf("TaskID = %q, want %q", env.TaskID, tt.wantID)
			}
			if env.Provider != "openai" {
				t.Errorf("Provider = %q, want openai", env.Provider)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	enqueued := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	raw, err := Encode(&domain.TaskEnvelope{
		TaskID:     "99",
		Provider:   "deepseek",
		PayloadRef: "doc/99",
		EnqueuedAt: enqueued,
	})
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	env, err := Decode(raw, "deepseek")
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if env.PayloadRef != "doc/99" || !env.EnqueuedAt.Equal(enqueued) {
		t.Errorf("Decode() = %+v, want payload doc/99 enqueued %s", env, enqueued)
	}
}

func TestEncodeRejectsInvalid(t *testing.T) {
	if _, err := Encode(&domain.TaskEnvelope{Provider: "openai"}); !errors.Is(err, domain.ErrMalformedEnvelope) {
		t.Errorf("Encode() error = %v, want ErrMalformedEnvelope", err)
	}
}
