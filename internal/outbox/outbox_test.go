package outbox

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := Open(filepath.Join(t.TempDir(), "outbox.db"), 1000, nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func TestOutbox_EnqueueAndDepth(t *testing.T) {
	o := testOutbox(t)

	require.NoError(t, o.Enqueue("CHAT_MESSAGE", map[string]string{"message": "hi"}))
	require.NoError(t, o.Enqueue("CHAT_MESSAGE", map[string]string{"message": "there"}))

	n, err := o.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestOutbox_FlushDeliversInOrder(t *testing.T) {
	o := testOutbox(t)
	for _, text := range []string{"first", "second", "third"} {
		require.NoError(t, o.Enqueue("CHAT_MESSAGE", map[string]string{"message": text}))
	}

	var got []string
	delivered, err := o.Flush(context.Background(), func(msgType string, payload json.RawMessage) bool {
		var m map[string]string
		require.NoError(t, json.Unmarshal(payload, &m))
		got = append(got, m["message"])
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, 3, delivered)
	assert.Equal(t, []string{"first", "second", "third"}, got)

	n, err := o.Depth()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOutbox_FlushStopsWhenTransportRefuses(t *testing.T) {
	o := testOutbox(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, o.Enqueue("CHAT_MESSAGE", map[string]int{"n": i}))
	}

	sent := 0
	delivered, err := o.Flush(context.Background(), func(string, json.RawMessage) bool {
		sent++
		return sent <= 1 // transport drops again after the first message
	})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	n, err := o.Depth()
	require.NoError(t, err)
	assert.Equal(t, 2, n, "undelivered messages stay queued")

	// A later flush delivers the remainder.
	delivered, err = o.Flush(context.Background(), func(string, json.RawMessage) bool { return true })
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
}

func TestOutbox_FlushRespectsContext(t *testing.T) {
	o := testOutbox(t)
	require.NoError(t, o.Enqueue("CHAT_MESSAGE", map[string]string{"message": "hi"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := o.Flush(ctx, func(string, json.RawMessage) bool { return true })
	assert.Error(t, err)
}

func TestOutbox_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.db")

	o, err := Open(path, 0, nil)
	require.NoError(t, err)
	require.NoError(t, o.Enqueue("NOTIFICATION", map[string]string{"title": "persisted"}))
	require.NoError(t, o.Close())

	o2, err := Open(path, 0, nil)
	require.NoError(t, err)
	defer o2.Close()

	n, err := o2.Depth()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
