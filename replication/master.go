package replication

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/mal0ner/credis/protocol"
)

// emptySnapshot is a canonical empty database in RDB format. It is sent to
// replicas during a full resync; replicas consume and discard the payload,
// so its contents only need to be well-formed.
var emptySnapshot = func() []byte {
	const b64 = "UkVESVMwMDEx+glyZWRpcy12ZXIFNy4yLjD6CnJlZGlzLWJpdHPAQPoFY3RpbWXCbQi8ZfoIdXNlZC1tZW3CsMQQAPoIYW9mLWJhc2XAAP/wbjv+wP9aog=="
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		panic("replication: invalid embedded snapshot: " + err.Error())
	}
	return data
}()

// linkQueueSize bounds the per-replica outbound buffer. A replica that
// falls this far behind is dropped rather than allowed to block propagation.
const linkQueueSize = 1024

// Master coordinates replication on the master side. It owns the
// replication ID, the offset of propagated command bytes, and the set of
// live replica links.
type Master struct {
	replID string
	offset int64 // atomic

	mu     sync.Mutex
	links  map[*Link]struct{}
	closed bool

	logger Logger
}

// NewMaster creates a master-side coordinator with a fresh replication ID
// and a zero offset.
func NewMaster() *Master {
	return &Master{
		replID: generateReplID(),
		links:  make(map[*Link]struct{}),
		logger: &defaultLogger{},
	}
}

// SetLogger sets the logger
func (m *Master) SetLogger(logger Logger) {
	m.logger = logger
}

// ReplID returns the 40-character hex replication ID.
func (m *Master) ReplID() string {
	return m.replID
}

// Offset returns the number of command bytes propagated so far.
func (m *Master) Offset() int64 {
	return atomic.LoadInt64(&m.offset)
}

// ReplicaCount returns the number of live replica links.
func (m *Master) ReplicaCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}

// FullResync writes the +FULLRESYNC header followed by the snapshot payload
// to a replica that requested PSYNC ? -1.
func (m *Master) FullResync(w *protocol.Writer) error {
	return writeResync(w, m.replID, m.Offset())
}

// Accept answers PSYNC ? -1 in one step: it writes the +FULLRESYNC header
// and snapshot, then registers the replica link, all under the registry
// lock. Propagate takes the same lock, so no write can land between the
// offset announced in the header and the link's first queued command.
func (m *Master) Accept(addr string, w *protocol.Writer) (*Link, error) {
	l := newLink(addr, m, w)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(l.done)
		return nil, ErrLinkBroken
	}
	if err := writeResync(w, m.replID, atomic.LoadInt64(&m.offset)); err != nil {
		m.mu.Unlock()
		close(l.done)
		return nil, err
	}
	m.links[l] = struct{}{}
	m.mu.Unlock()

	go l.run()

	m.logger.Info("Replica registered", "addr", addr)
	return l, nil
}

// Register adds a replica link after a completed handshake and starts its
// outbound writer goroutine. The caller keeps ownership of the connection's
// read side; writes to the replica go through the link from now on.
func (m *Master) Register(addr string, w *protocol.Writer) *Link {
	l := newLink(addr, m, w)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(l.done)
		return l
	}
	m.links[l] = struct{}{}
	m.mu.Unlock()

	go l.run()

	m.logger.Info("Replica registered", "addr", addr)
	return l
}

func writeResync(w *protocol.Writer, replID string, offset int64) error {
	header := fmt.Sprintf("FULLRESYNC %s %d", replID, offset)
	if err := w.WriteSimpleString(header); err != nil {
		return err
	}
	if err := w.WriteSnapshot(emptySnapshot); err != nil {
		return err
	}
	return w.Flush()
}

// Propagate sends an already-encoded write command to every live replica
// and advances the replication offset. Links are fire-and-forget: a link
// whose queue is full is dropped so it can never stall the others.
func (m *Master) Propagate(payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	atomic.AddInt64(&m.offset, int64(len(payload)))

	for l := range m.links {
		select {
		case l.queue <- payload:
		default:
			m.logger.Error("Replica link stalled, dropping", "addr", l.Addr, "error", ErrLinkBroken)
			m.removeLocked(l)
		}
	}
}

// Unregister removes a link, typically when its connection's read side
// observes EOF.
func (m *Master) Unregister(l *Link) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(l)
}

// Close drops all replica links. The master's offset and ID survive.
func (m *Master) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for l := range m.links {
		m.removeLocked(l)
	}
}

func (m *Master) removeLocked(l *Link) {
	if _, ok := m.links[l]; !ok {
		return
	}
	delete(m.links, l)
	l.closeOnce.Do(func() { close(l.done) })
}

// Link is the master's handle to one connected replica. Each link owns an
// outbound queue drained by a dedicated goroutine, so a slow replica only
// affects itself.
type Link struct {
	Addr string

	master    *Master
	writer    *protocol.Writer
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once

	ackOffset int64 // atomic
}

func newLink(addr string, m *Master, w *protocol.Writer) *Link {
	return &Link{
		Addr:   addr,
		master: m,
		writer: w,
		queue:  make(chan []byte, linkQueueSize),
		done:   make(chan struct{}),
	}
}

// RecordAck stores the offset the replica reported via REPLCONF ACK.
func (l *Link) RecordAck(offset int64) {
	atomic.StoreInt64(&l.ackOffset, offset)
}

// AckOffset returns the last offset the replica acknowledged.
func (l *Link) AckOffset() int64 {
	return atomic.LoadInt64(&l.ackOffset)
}

// Done is closed when the link has been removed from the master.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// run drains the outbound queue onto the replica connection. A write
// failure removes the link; the master keeps serving everyone else.
func (l *Link) run() {
	for {
		select {
		case <-l.done:
			return
		case payload := <-l.queue:
			if err := l.writer.WriteRaw(payload); err != nil {
				l.fail(err)
				return
			}
			if err := l.writer.Flush(); err != nil {
				l.fail(err)
				return
			}
		}
	}
}

func (l *Link) fail(err error) {
	l.master.logger.Error("Replica link write failed", "addr", l.Addr, "error", err)
	l.master.Unregister(l)
}

// generateReplID produces a 40-character lowercase hex replication ID.
func generateReplID() string {
	a := uuid.New()
	b := uuid.New()
	return (hex.EncodeToString(a[:]) + hex.EncodeToString(b[:]))[:40]
}
