// Copyright 2025 James Ross
package queue

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestMessageMarshalUnmarshalRoundTrips(t *testing.T) {
	m := Message{
		TaskID:       "t1",
		Name:         "echo",
		Payload:      json.RawMessage(`{"x":1}`),
		ExecutionKey: "echo:abc:0",
		Attempt:      2,
		TraceID:      "4bf92f3577b34da6a3ce929d0e0e4736",
		SpanID:       "00f067aa0ba902b7",
	}

	body, err := m.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	got, err := Unmarshal(body)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, m)
	}
}

func TestUnmarshalRejectsInvalidJSON(t *testing.T) {
	if _, err := Unmarshal("not json"); err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
}

func TestDeadLetterMessageMarshal(t *testing.T) {
	m := DeadLetterMessage{
		TaskID:      "t1",
		Name:        "echo",
		Payload:     json.RawMessage(`{"x":1}`),
		Attempts:    3,
		MaxAttempts: 3,
		LastError:   "boom",
		DeadAt:      "2026-07-31T00:00:00Z",
	}
	body, err := m.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var got DeadLetterMessage
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !reflect.DeepEqual(got, m) {
		t.Fatalf("roundtrip mismatch: %+v vs %+v", got, m)
	}
}
