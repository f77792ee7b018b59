package archive

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunWorkerPoolProcessesEveryMember(t *testing.T) {
	members := make([]member, 50)
	for i := range members {
		members[i] = member{name: "m"}
	}
	var processed atomic.Int64
	err := runWorkerPool(context.Background(), members, 8, func(member) error {
		processed.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 50, processed.Load())
}

func TestRunWorkerPoolStopsOnFirstError(t *testing.T) {
	members := make([]member, 100)
	for i := range members {
		members[i] = member{name: "m"}
	}
	boom := errors.New("boom")
	var processed atomic.Int64
	err := runWorkerPool(context.Background(), members, 4, func(member) error {
		n := processed.Add(1)
		if n == 5 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Less(t, processed.Load(), int64(100))
}
