package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type batch struct {
	SessionID string   `json:"session_id"`
	Students  []string `json:"students"`
}

func TestEncodeDecode(t *testing.T) {
	msg, err := Encode(TypeOfflineSync, batch{SessionID: "s1", Students: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, TypeOfflineSync, msg.Type)
	assert.False(t, msg.EnqueuedAt.IsZero())

	var got batch
	require.NoError(t, msg.Decode(&got))
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, []string{"a", "b"}, got.Students)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	msg := Message{Type: TypeOfflineSync, Body: []byte(`{"session_id":`)}
	var got batch
	assert.Error(t, msg.Decode(&got))
}

func TestInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewInMemory(4)
	msg, err := Encode(TypeOfflineSync, batch{SessionID: "s1"})
	require.NoError(t, err)
	require.NoError(t, q.Publish(ctx, msg))

	ch, err := q.Consume(ctx)
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, TypeOfflineSync, got.Type)
		assert.JSONEq(t, string(msg.Body), string(got.Body))
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestInMemoryConsumeStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	q := NewInMemory(1)
	ch, err := q.Consume(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestInMemoryPublishRespectsContext(t *testing.T) {
	q := NewInMemory(1)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Publish(ctx, Message{Type: "x"}))
	cancel()
	assert.ErrorIs(t, q.Publish(ctx, Message{Type: "y"}), context.Canceled)
}
