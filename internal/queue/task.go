package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Options control how a task is run and retained.
type Options struct {
	Timeout    time.Duration   `json:"timeout"`
	MaxRetries int             `json:"max_retries"`
	Backoff    []time.Duration `json:"backoff,omitempty"`
	ResultTTL  time.Duration   `json:"result_ttl"`
	FailureTTL time.Duration   `json:"failure_ttl"`
}

// Task is the envelope stored in the stream. ID is the caller's idempotency
// key; Run identifies one enqueue of it.
type Task struct {
	ID         string          `json:"id"`
	Run        string          `json:"run"`
	Type       string          `json:"type"`
	JobID      string          `json:"job_id"`
	Payload    json.RawMessage `json:"payload"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Options
}

// NewTask builds a task with payload encoded as JSON.
func NewTask(id, typ, jobID string, payload any, opts Options) (Task, error) {
	if id == "" || typ == "" {
		return Task{}, errors.New("task id and type are required")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	return Task{ID: id, Type: typ, JobID: jobID, Payload: b, Options: opts}, nil
}

// Decode unmarshals the payload into v.
func (t Task) Decode(v any) error {
	if len(t.Payload) == 0 {
		return errors.New("empty task payload")
	}
	return json.Unmarshal(t.Payload, v)
}

// CanRetry reports whether another attempt is allowed after the current one.
func (t Task) CanRetry() bool { return t.Attempt < t.MaxRetries }

// RetryDelay is the wait before the next attempt. The last backoff step
// repeats when there are more retries than steps.
func (t Task) RetryDelay() time.Duration {
	if len(t.Backoff) == 0 {
		return 0
	}
	i := t.Attempt
	if i >= len(t.Backoff) {
		i = len(t.Backoff) - 1
	}
	return t.Backoff[i]
}

// Lease bounds how long a task can stay in flight across all attempts.
func (t Task) Lease() time.Duration {
	d := t.Timeout * time.Duration(t.MaxRetries+1)
	for _, b := range t.Backoff {
		d += b
	}
	return d + time.Minute
}

func (t Task) marshal() ([]byte, error) { return json.Marshal(t) }

func unmarshalTask(data []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	if t.ID == "" || t.Type == "" {
		return Task{}, errors.New("decode task: missing id or type")
	}
	return t, nil
}
