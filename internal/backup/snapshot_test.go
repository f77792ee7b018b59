package backup

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanMessagesDispatchesByType(t *testing.T) {
	input := strings.NewReader(
		`{"message_type":"status","bytes_done":10,"total_bytes":100}` + "\n" +
			`{"message_type":"summary","snapshot_id":"abc123","total_bytes_processed":100}` + "\n",
	)

	var statusSeen, summarySeen bool
	err := scanMessages(input, func(msg snapshotMessage) error {
		switch msg.MessageType {
		case "status":
			statusSeen = true
			assert.Equal(t, int64(10), msg.BytesDone)
			assert.Equal(t, int64(100), msg.TotalBytes)
		case "summary":
			summarySeen = true
			assert.Equal(t, "abc123", msg.SnapshotID)
		}
		return nil
	})
	require.NoError(t, err)
	assert.True(t, statusSeen)
	assert.True(t, summarySeen)
}

func TestScanMessagesStopsOnErrorMessage(t *testing.T) {
	input := strings.NewReader(
		`{"message_type":"status","bytes_done":1,"total_bytes":10}` + "\n" +
			`{"message_type":"error","message":"repository locked"}` + "\n" +
			`{"message_type":"status","bytes_done":5,"total_bytes":10}` + "\n",
	)

	var seenAfterError bool
	err := scanMessages(input, func(msg snapshotMessage) error {
		if msg.MessageType == "error" {
			return fmt.Errorf("snapshot reported an error: %s", msg.Message)
		}
		if msg.BytesDone == 5 {
			seenAfterError = true
		}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository locked")
	assert.False(t, seenAfterError)
}

func TestScanMessagesSkipsMalformedLines(t *testing.T) {
	input := strings.NewReader("not json\n" + `{"message_type":"status","bytes_done":3,"total_bytes":9}` + "\n")
	var count int
	err := scanMessages(input, func(msg snapshotMessage) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSplitLinesTrimsCarriageReturns(t *testing.T) {
	lines := splitLines("a\r\nb\nc")
	assert.Equal(t, []string{"a", "b", "c"}, lines)
}

