package containerengine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// stubContainer tracks the state of one "container" the Stub engine
// pretends to run: nothing more than an in-memory stdin/stdout pipe pair,
// enough for internal/server's state machine tests to observe start/stop
// transitions without a real runtime.
type stubContainer struct {
	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter
}

// Stub is an in-memory Engine implementation. It never spawns a real
// process; Start/Stop/Kill only flip bookkeeping state, and Exec returns
// a canned success. It exists purely so internal/server can be exercised
// and tested without a real container-runtime dependency, per the
// design's explicit non-goal on container-runtime bindings.
type Stub struct {
	mu         sync.Mutex
	containers map[string]*stubContainer
}

// NewStub constructs an empty Stub engine.
func NewStub() *Stub {
	return &Stub{containers: make(map[string]*stubContainer)}
}

var _ Engine = (*Stub)(nil)

func (s *Stub) Start(ctx context.Context, serverUUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[serverUUID]; ok {
		return fmt.Errorf("containerengine: server %s already running", serverUUID)
	}
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	s.containers[serverUUID] = &stubContainer{stdinR: stdinR, stdinW: stdinW, stdoutR: stdoutR, stdoutW: stdoutW}
	return nil
}

func (s *Stub) Stop(ctx context.Context, serverUUID string, graceful time.Duration) error {
	return s.teardown(serverUUID)
}

func (s *Stub) Kill(ctx context.Context, serverUUID string) error {
	return s.teardown(serverUUID)
}

func (s *Stub) teardown(serverUUID string) error {
	s.mu.Lock()
	c, ok := s.containers[serverUUID]
	delete(s.containers, serverUUID)
	s.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}
	_ = c.stdinW.Close()
	_ = c.stdoutW.Close()
	return nil
}

func (s *Stub) Exec(ctx context.Context, serverUUID string, command []string) ([]byte, error) {
	s.mu.Lock()
	_, ok := s.containers[serverUUID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotRunning
	}
	var out bytes.Buffer
	fmt.Fprintf(&out, "ran: %v", command)
	return out.Bytes(), nil
}

func (s *Stub) Attach(ctx context.Context, serverUUID string) (io.WriteCloser, io.ReadCloser, error) {
	s.mu.Lock()
	c, ok := s.containers[serverUUID]
	s.mu.Unlock()
	if !ok {
		return nil, nil, ErrNotRunning
	}
	return c.stdinW, c.stdoutR, nil
}
