package jensen

import (
	"sync"
	"time"

	"github.com/kschwarz/jensen-go/internal/iface"
)

// MockTransport is an in-memory iface.Transport for unit tests: writes are
// captured for inspection and reads are served from a queue of canned
// responses, each optionally paired with a read error.
type MockTransport struct {
	mu sync.Mutex

	writes   [][]byte
	replies  [][]byte
	replyErr []error

	writeErr error
	released bool
}

// NewMockTransport creates an empty MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// QueueReply appends a chunk that the next Read call will return.
func (m *MockTransport) QueueReply(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, p)
	m.replyErr = append(m.replyErr, nil)
}

// QueueReadError appends a Read call that fails with err instead of
// returning bytes.
func (m *MockTransport) QueueReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies = append(m.replies, nil)
	m.replyErr = append(m.replyErr, err)
}

// SetWriteErr makes every subsequent Write fail with err.
func (m *MockTransport) SetWriteErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// Write implements iface.Transport.
func (m *MockTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	m.writes = append(m.writes, cp)
	return len(p), nil
}

// Read implements iface.Transport. A timeout with no queued replies
// returns (nil, nil), matching a real transport's idle-poll behavior.
func (m *MockTransport) Read(timeout time.Duration) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.replies) == 0 {
		return nil, nil
	}
	p, err := m.replies[0], m.replyErr[0]
	m.replies = m.replies[1:]
	m.replyErr = m.replyErr[1:]
	return p, err
}

// Release implements iface.Transport.
func (m *MockTransport) Release() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.released = true
	return nil
}

// Writes returns every byte slice passed to Write, in order.
func (m *MockTransport) Writes() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writes))
	copy(out, m.writes)
	return out
}

// IsReleased reports whether Release has been called.
func (m *MockTransport) IsReleased() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released
}

// PendingReplies reports how many queued replies have not yet been read.
func (m *MockTransport) PendingReplies() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.replies)
}

var _ iface.Transport = (*MockTransport)(nil)
