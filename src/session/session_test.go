package session

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canal-chat/canal/src/types"
)

// mockTransport implements types.Transport without a real WebSocket.
type mockTransport struct {
	mu      sync.Mutex
	recvCh  chan string
	sent    []string
	sendErr error
	closed  bool
}

func newMockTransport() *mockTransport {
	return &mockTransport{recvCh: make(chan string, 16)}
}

func (m *mockTransport) Receive() (string, error) {
	payload, ok := <-m.recvCh
	if !ok {
		return "", io.EOF
	}
	return payload, nil
}

func (m *mockTransport) Send(payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, payload)
	return nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.recvCh)
	}
	return nil
}

func (m *mockTransport) getSent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.sent...)
}

func (m *mockTransport) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// mockCoordinator records inbound payloads and released sessions.
type mockCoordinator struct {
	mu         sync.Mutex
	inbound    []string
	released   []*Session
	inboundErr error
}

func (m *mockCoordinator) HandleInbound(connID, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inboundErr != nil {
		return m.inboundErr
	}
	m.inbound = append(m.inbound, payload)
	return nil
}

func (m *mockCoordinator) Release(sess *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = append(m.released, sess)
}

func (m *mockCoordinator) getInbound() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.inbound...)
}

func (m *mockCoordinator) releaseCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.released)
}

func newTestSession(t *testing.T) (*Session, *mockTransport, *mockCoordinator) {
	t.Helper()
	transport := newMockTransport()
	coord := &mockCoordinator{}
	sess := New("conn-1", "lobby", transport, coord, zerolog.Nop())
	return sess, transport, coord
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "closed", StateClosed.String())
}

func TestNewSessionIsConnecting(t *testing.T) {
	sess, _, _ := newTestSession(t)
	assert.Equal(t, StateConnecting, sess.State())
	assert.Equal(t, "lobby", sess.Room())
}

func TestOpenTransition(t *testing.T) {
	sess, _, _ := newTestSession(t)

	require.NoError(t, sess.Open())
	assert.Equal(t, StateOpen, sess.State())

	// A second open is illegal.
	assert.ErrorIs(t, sess.Open(), types.ErrSessionClosed)
}

func TestAbortFromConnecting(t *testing.T) {
	sess, transport, coord := newTestSession(t)

	sess.Abort()
	assert.Equal(t, StateClosed, sess.State())
	assert.True(t, transport.isClosed())
	assert.Equal(t, 1, coord.releaseCount())

	// Abort after close is a no-op.
	sess.Abort()
	assert.Equal(t, 1, coord.releaseCount())
}

func TestHandleClientBeforeOpen(t *testing.T) {
	sess, _, _ := newTestSession(t)
	assert.ErrorIs(t, sess.HandleClient("hi"), types.ErrSessionClosed)
}

func TestHandleClientValidation(t *testing.T) {
	sess, _, coord := newTestSession(t)
	require.NoError(t, sess.Open())

	err := sess.HandleClient(strings.Repeat("x", types.MaxPayloadBytes+1))
	assert.ErrorIs(t, err, types.ErrPayloadTooLarge)

	err = sess.HandleClient("bad\xff\xfeutf8")
	assert.ErrorIs(t, err, types.ErrInvalidEncoding)

	// Dropped messages never reach the coordinator.
	assert.Empty(t, coord.getInbound())

	require.NoError(t, sess.HandleClient("hello"))
	assert.Equal(t, []string{"hello"}, coord.getInbound())
}

func TestDeliverQueuesForWritePump(t *testing.T) {
	sess, transport, _ := newTestSession(t)
	require.NoError(t, sess.Open())
	go sess.WritePump()

	msg := types.Message{Room: "lobby", SenderID: "conn-2", Payload: "hi", Timestamp: time.Now().UTC()}
	require.NoError(t, sess.Deliver(msg))

	assert.Eventually(t, func() bool {
		return len(transport.getSent()) == 1
	}, time.Second, 10*time.Millisecond)

	var out types.Message
	require.NoError(t, json.Unmarshal([]byte(transport.getSent()[0]), &out))
	assert.Equal(t, "hi", out.Payload)
	assert.Equal(t, "conn-2", out.SenderID)
}

func TestDeliverFullBuffer(t *testing.T) {
	sess, _, _ := newTestSession(t)
	require.NoError(t, sess.Open())
	// No write pump: fill the buffer.
	msg := types.Message{Room: "lobby", Payload: "x"}
	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, sess.Deliver(msg))
	}
	assert.ErrorIs(t, sess.Deliver(msg), types.ErrTransportError)
}

func TestCloseRunsCleanupOnce(t *testing.T) {
	sess, transport, coord := newTestSession(t)
	require.NoError(t, sess.Open())

	require.NoError(t, sess.Close())
	assert.Equal(t, StateClosed, sess.State())
	assert.True(t, transport.isClosed())
	assert.Equal(t, 1, coord.releaseCount())

	require.NoError(t, sess.Close())
	assert.Equal(t, 1, coord.releaseCount(), "double close must not re-run cleanup")
}

func TestCloseFlushesBufferedMessages(t *testing.T) {
	sess, transport, _ := newTestSession(t)
	require.NoError(t, sess.Open())

	// Queue without a running write pump, then close.
	require.NoError(t, sess.Deliver(types.Message{Room: "lobby", Payload: "bye"}))
	require.NoError(t, sess.Close())

	require.Len(t, transport.getSent(), 1)
	var out types.Message
	require.NoError(t, json.Unmarshal([]byte(transport.getSent()[0]), &out))
	assert.Equal(t, "bye", out.Payload)
}

func TestCloseDoesNotHangOnBrokenTransport(t *testing.T) {
	sess, transport, _ := newTestSession(t)
	require.NoError(t, sess.Open())

	transport.mu.Lock()
	transport.sendErr = errors.New("boom")
	transport.mu.Unlock()
	require.NoError(t, sess.Deliver(types.Message{Room: "lobby", Payload: "bye"}))

	done := make(chan struct{})
	go func() {
		sess.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("close hung on a broken transport")
	}
	assert.Equal(t, StateClosed, sess.State())
}

func TestDeliverAfterClose(t *testing.T) {
	sess, _, _ := newTestSession(t)
	require.NoError(t, sess.Open())
	require.NoError(t, sess.Close())

	err := sess.Deliver(types.Message{Room: "lobby", Payload: "late"})
	assert.ErrorIs(t, err, types.ErrSessionClosed)
}

func TestReadPumpRoutesInbound(t *testing.T) {
	sess, transport, coord := newTestSession(t)
	require.NoError(t, sess.Open())

	transport.recvCh <- "hello"
	transport.recvCh <- "world"

	done := make(chan struct{})
	go func() {
		sess.ReadPump()
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return len(coord.getInbound()) == 2
	}, time.Second, 10*time.Millisecond)

	// Closing the transport ends the pump and the session.
	transport.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read pump did not exit")
	}
	assert.Equal(t, StateClosed, sess.State())
	assert.Equal(t, []string{"hello", "world"}, coord.getInbound())
}

func TestReadPumpDropsInvalidPayload(t *testing.T) {
	sess, transport, coord := newTestSession(t)
	require.NoError(t, sess.Open())

	transport.recvCh <- strings.Repeat("x", types.MaxPayloadBytes+1)
	transport.recvCh <- "fine"

	go sess.ReadPump()
	t.Cleanup(func() { sess.Close() })

	// The oversized frame is dropped, the connection stays open, and the
	// next frame still goes through.
	assert.Eventually(t, func() bool {
		return len(coord.getInbound()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"fine"}, coord.getInbound())
	assert.Equal(t, StateOpen, sess.State())

	// The client got an error notice rather than a silent drop.
	require.NoError(t, sess.Close())
	sent := transport.getSent()
	require.NotEmpty(t, sent)
	var notice map[string]string
	require.NoError(t, json.Unmarshal([]byte(sent[0]), &notice))
	assert.Contains(t, notice["error"], "too large")
}

func TestWritePumpClosesOnTransportError(t *testing.T) {
	sess, transport, coord := newTestSession(t)
	require.NoError(t, sess.Open())

	transport.mu.Lock()
	transport.sendErr = errors.New("peer gone")
	transport.mu.Unlock()

	go sess.WritePump()
	require.NoError(t, sess.Deliver(types.Message{Room: "lobby", Payload: "hi"}))

	assert.Eventually(t, func() bool {
		return sess.State() == StateClosed
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, coord.releaseCount())
}
