// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
)

// Message is the wire envelope a worker reads off the broker stream:
// task id/name/payload plus the execution key (for inbox idempotency),
// the current attempt count, and a trace/span id pair minted at dispatch
// time regardless of whether a tracer is configured.
type Message struct {
	TaskID       string          `json:"task_id"`
	Name         string          `json:"name"`
	Payload      json.RawMessage `json:"payload"`
	ExecutionKey string          `json:"execution_key"`
	Attempt      int             `json:"attempt"`
	TraceID      string          `json:"trace_id"`
	SpanID       string          `json:"span_id"`
}

func (m Message) Marshal() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func Unmarshal(s string) (Message, error) {
	var m Message
	err := json.Unmarshal([]byte(s), &m)
	return m, err
}

// DeadLetterMessage is the wire envelope published to the DLQ stream once
// a task exhausts its retry budget, carrying enough of the original
// envelope plus the terminal error for an external consumer to triage
// without querying the store.
type DeadLetterMessage struct {
	TaskID      string          `json:"task_id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error"`
	DeadAt      string          `json:"dead_at"`
}

func (m DeadLetterMessage) Marshal() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
