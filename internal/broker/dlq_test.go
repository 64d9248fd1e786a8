package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deadEntry(topic string) *DeadLetterEntry {
	msg := NewMessage(topic, nil, "pub")
	return &DeadLetterEntry{
		Message:       msg,
		Reason:        "test failure",
		FailedAt:      time.Now(),
		OriginalTopic: topic,
		Subscriber:    "sub",
	}
}

func TestDeadLetterStoreCapEvictsOldest(t *testing.T) {
	s := NewDeadLetterStore(2)

	first := deadEntry("a")
	s.Push(first)
	s.Push(deadEntry("b"))
	s.Push(deadEntry("c"))

	assert.Equal(t, 2, s.Count())
	_, ok := s.Get(first.Message.ID)
	assert.False(t, ok, "oldest entry should be evicted")
}

func TestDeadLetterStoreDropNotify(t *testing.T) {
	s := NewDeadLetterStore(1)
	var dropped []*DeadLetterEntry
	s.SetDropPolicy(DropNotify, func(e *DeadLetterEntry) { dropped = append(dropped, e) })

	first := deadEntry("a")
	s.Push(first)
	s.Push(deadEntry("b"))

	require.Len(t, dropped, 1)
	assert.Equal(t, first.Message.ID, dropped[0].Message.ID)
}

func TestDeadLetterStoreDropSilentByDefault(t *testing.T) {
	s := NewDeadLetterStore(1)
	called := false
	// Callback registered but policy stays silent.
	s.SetDropPolicy(DropSilent, func(*DeadLetterEntry) { called = true })

	s.Push(deadEntry("a"))
	s.Push(deadEntry("b"))
	assert.False(t, called)
}

func TestDeadLetterStoreTakeForRetry(t *testing.T) {
	s := NewDeadLetterStore(0)
	entry := deadEntry("a")
	s.Push(entry)

	taken, ok := s.TakeForRetry(entry.Message.ID)
	require.True(t, ok)
	assert.Equal(t, entry.Message.ID, taken.Message.ID)
	assert.Equal(t, 0, s.Count())

	_, ok = s.TakeForRetry(entry.Message.ID)
	assert.False(t, ok)
}

func TestDeadLetterStoreListOldestFirst(t *testing.T) {
	s := NewDeadLetterStore(0)
	first := deadEntry("a")
	second := deadEntry("b")
	s.Push(first)
	s.Push(second)

	entries := s.List()
	require.Len(t, entries, 2)
	assert.Equal(t, first.Message.ID, entries[0].Message.ID)
	assert.Equal(t, second.Message.ID, entries[1].Message.ID)
}

func TestDeadLetterStoreRemove(t *testing.T) {
	s := NewDeadLetterStore(0)
	entry := deadEntry("a")
	s.Push(entry)

	assert.True(t, s.Remove(entry.Message.ID))
	assert.False(t, s.Remove(entry.Message.ID))
	assert.Equal(t, 0, s.Count())
}
