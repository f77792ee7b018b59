package activity

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  [][]Entry
	fail  bool
}

func (f *fakeSender) SendActivity(ctx context.Context, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assert.AnError
	}
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	f.sent = append(f.sent, cp)
	return nil
}

func TestLogFlushSendsPendingAndClearsBuffer(t *testing.T) {
	sender := &fakeSender{}
	l := NewLog(sender, 0)
	server := uuid.New()

	l.Record(EventConsoleCommand, server, nil, nil, map[string]any{"command": "say hi"})
	l.Record(EventFileCompress, server, nil, nil, nil)

	require.NoError(t, l.Flush(context.Background()))
	assert.Len(t, sender.sent, 1)
	assert.Len(t, sender.sent[0], 2)

	require.NoError(t, l.Flush(context.Background()))
	assert.Len(t, sender.sent, 1, "second flush with nothing pending should not call the sender again")
}

func TestLogFlushKeepsBufferOnFailure(t *testing.T) {
	sender := &fakeSender{fail: true}
	l := NewLog(sender, 0)
	server := uuid.New()

	l.Record(EventServerStart, server, nil, nil, nil)
	require.Error(t, l.Flush(context.Background()))

	sender.fail = false
	require.NoError(t, l.Flush(context.Background()))
	assert.Len(t, sender.sent, 1)
}
