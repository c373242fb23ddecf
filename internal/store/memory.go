// Copyright 2025 James Ross
package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/go-task-runner/internal/model"
)

// MemoryStore is an in-process Store used by tests and local development:
// a mutex-guarded map standing in for the transactional behavior a SQL
// backend gets from row locks.
type MemoryStore struct {
	mu          sync.Mutex
	tasks       map[string]model.Task
	byExecution map[string]string // execution_key -> task id
	outbox      map[int64]model.Outbox
	nextOutbox  int64
	inbox       map[string]model.Inbox // task id -> inbox row
	deadLetters map[string]model.DeadLetter
	deadOrder   []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]model.Task),
		byExecution: make(map[string]string),
		outbox:      make(map[int64]model.Outbox),
		inbox:       make(map[string]model.Inbox),
		deadLetters: make(map[string]model.DeadLetter),
	}
}

func (m *MemoryStore) CreateTask(ctx context.Context, p CreateTaskParams, candidateKeys []string) (model.Task, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, key := range candidateKeys {
		if id, ok := m.byExecution[key]; ok {
			return m.tasks[id], true, nil
		}
	}

	now := time.Now().UTC()
	task := model.Task{
		ID:            p.ID,
		Name:          p.Name,
		Payload:       append([]byte(nil), p.Payload...),
		PayloadHash:   p.PayloadHash,
		ExecutionKey:  p.ExecutionKey,
		WindowStartMs: p.WindowStartMs,
		Status:        model.StatusPending,
		Attempts:      0,
		MaxAttempts:   p.MaxAttempts,
		ScheduledAt:   p.ScheduledAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	m.tasks[task.ID] = task
	m.byExecution[p.ExecutionKey] = task.ID

	m.nextOutbox++
	m.outbox[m.nextOutbox] = model.Outbox{
		ID:          m.nextOutbox,
		TaskID:      task.ID,
		CreatedAt:   now,
		AvailableAt: now,
	}

	return task, false, nil
}

func (m *MemoryStore) GetTask(ctx context.Context, id string) (model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return model.Task{}, ErrNotFound
	}
	return t, nil
}

func (m *MemoryStore) PendingOutbox(ctx context.Context, limit int) ([]model.Outbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	out := make([]model.Outbox, 0, limit)
	for _, id := range sortedOutboxIDs(m.outbox) {
		row := m.outbox[id]
		if row.Published || row.AvailableAt.After(now) {
			continue
		}
		task, ok := m.tasks[row.TaskID]
		if !ok || (task.Status != model.StatusPending && task.Status != model.StatusRetrying) || task.ScheduledAt.After(now) {
			continue
		}
		out = append(out, row)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func sortedOutboxIDs(rows map[int64]model.Outbox) []int64 {
	ids := make([]int64, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	// simple insertion sort, row counts are small in the memory backend
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

func (m *MemoryStore) RecordOutboxStreamID(ctx context.Context, outboxID int64, streamID string, sentAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.outbox[outboxID]
	if !ok {
		return ErrNotFound
	}
	row.StreamID = streamID
	row.SentAt = sentAt
	row.DeliveryAttempts++
	m.outbox[outboxID] = row
	return nil
}

func (m *MemoryStore) MarkOutboxPublished(ctx context.Context, outboxID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.outbox[outboxID]
	if !ok {
		return ErrNotFound
	}
	row.Published = true
	row.PublishedAt = time.Now().UTC()
	m.outbox[outboxID] = row

	task := m.tasks[row.TaskID]
	task.Status = model.StatusDispatched
	task.UpdatedAt = row.PublishedAt
	m.tasks[row.TaskID] = task
	return nil
}

func (m *MemoryStore) MarkOutboxAttemptFailed(ctx context.Context, outboxID int64, availableAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.outbox[outboxID]
	if !ok {
		return ErrNotFound
	}
	row.DeliveryAttempts++
	row.AvailableAt = availableAt
	m.outbox[outboxID] = row
	return nil
}

// ClaimForProcessing is keyed on (taskID, executionKey), never on a
// broker-assigned delivery id: a redelivery under the same execution_key
// always lands on the same inbox row, and only a row whose ProcessedAt is
// already set is treated as a duplicate to skip.
func (m *MemoryStore) ClaimForProcessing(ctx context.Context, taskID, executionKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[taskID]
	if !ok {
		return false, ErrNotFound
	}
	if task.ExecutionKey != executionKey {
		return false, fmt.Errorf("claim for processing: execution_key mismatch for task %s", taskID)
	}

	now := time.Now().UTC()
	row, exists := m.inbox[taskID]
	if exists && !row.ProcessedAt.IsZero() {
		return true, nil
	}

	if exists {
		row.Attempts++
	} else {
		row = model.Inbox{TaskID: taskID, ExecutionKey: executionKey, Attempts: 1}
	}
	row.LastSeenAt = now
	m.inbox[taskID] = row

	task.Attempts = row.Attempts
	task.Status = model.StatusRunning
	task.UpdatedAt = now
	m.tasks[taskID] = task
	return false, nil
}

func (m *MemoryStore) MarkSucceeded(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	task.Status = model.StatusSucceeded
	task.UpdatedAt = now
	m.tasks[taskID] = task

	if row, ok := m.inbox[taskID]; ok {
		row.ProcessedAt = now
		m.inbox[taskID] = row
	}
	return nil
}

func (m *MemoryStore) MarkFailedForRetry(ctx context.Context, taskID string, lastErr string, nextAttempt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.LastError = lastErr
	task.ScheduledAt = nextAttempt
	task.Status = model.StatusRetrying
	task.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = task

	m.nextOutbox++
	m.outbox[m.nextOutbox] = model.Outbox{
		ID:          m.nextOutbox,
		TaskID:      taskID,
		CreatedAt:   task.UpdatedAt,
		AvailableAt: task.UpdatedAt,
	}
	return nil
}

func (m *MemoryStore) MoveToDeadLetter(ctx context.Context, taskID string, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	task.Status = model.StatusDead
	task.LastError = lastErr
	task.UpdatedAt = time.Now().UTC()
	m.tasks[taskID] = task

	m.deadLetters[taskID] = model.DeadLetter{
		TaskID:    taskID,
		Name:      task.Name,
		Payload:   task.Payload,
		Attempts:  task.Attempts,
		LastError: lastErr,
		DeadAt:    task.UpdatedAt,
	}
	m.deadOrder = append(m.deadOrder, taskID)
	return nil
}

func (m *MemoryStore) CountDeadLetters(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.deadLetters)), nil
}

func (m *MemoryStore) PeekDeadLetters(ctx context.Context, limit int) ([]model.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DeadLetter, 0, limit)
	for _, id := range m.deadOrder {
		out = append(out, m.deadLetters[id])
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
