package replication_test

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mal0ner/credis/protocol"
	"github.com/mal0ner/credis/replication"
)

const testReplID = "8371b4fb1155b71f4a04d3e1bc3e18c4a990aeeb"

func TestMasterReplID(t *testing.T) {
	m := replication.NewMaster()
	defer m.Close()

	id := m.ReplID()
	if len(id) != 40 {
		t.Fatalf("ReplID() length = %d, want 40", len(id))
	}
	for _, c := range id {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			t.Fatalf("ReplID() contains non-hex character %q", c)
		}
	}

	if other := replication.NewMaster(); other.ReplID() == id {
		t.Error("two masters generated the same replication ID")
	}
}

func TestFullResync(t *testing.T) {
	m := replication.NewMaster()
	defer m.Close()

	var buf bytes.Buffer
	if err := m.FullResync(protocol.NewWriter(&buf)); err != nil {
		t.Fatalf("FullResync() error = %v", err)
	}

	r := protocol.NewReader(&buf)
	frame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if frame.Type != protocol.TypeSimpleString {
		t.Fatalf("reply type = %c, want +", frame.Type)
	}
	want := "FULLRESYNC " + m.ReplID() + " 0"
	if frame.String() != want {
		t.Errorf("reply = %q, want %q", frame.String(), want)
	}

	size, err := r.ReadSnapshot(func(chunk []byte) error { return nil })
	if err != nil {
		t.Fatalf("ReadSnapshot() error = %v", err)
	}
	if size == 0 {
		t.Error("snapshot payload is empty")
	}
	if buf.Len() != 0 {
		t.Errorf("%d unexpected trailing bytes after snapshot", buf.Len())
	}
}

func TestPropagateOrdering(t *testing.T) {
	m := replication.NewMaster()
	defer m.Close()

	type replica struct {
		far  net.Conn
		link *replication.Link
	}

	var replicas []replica
	for i := 0; i < 2; i++ {
		near, far := net.Pipe()
		link := m.Register(near.RemoteAddr().String(), protocol.NewWriter(near))
		replicas = append(replicas, replica{far: far, link: link})
	}

	payloads := [][]byte{
		protocol.EncodeCommand("SET", []byte("a"), []byte("1")),
		protocol.EncodeCommand("SET", []byte("b"), []byte("2")),
		protocol.EncodeCommand("DEL", []byte("a")),
	}
	var total int64
	for _, p := range payloads {
		m.Propagate(p)
		total += int64(len(p))
	}

	if got := m.Offset(); got != total {
		t.Errorf("Offset() = %d, want %d", got, total)
	}

	// Every replica must observe every command in applied order.
	for i, rep := range replicas {
		r := protocol.NewReader(rep.far)
		for j, p := range payloads {
			rep.far.SetReadDeadline(time.Now().Add(2 * time.Second))
			frame, err := r.ReadFrame()
			if err != nil {
				t.Fatalf("replica %d: ReadFrame(%d) error = %v", i, j, err)
			}
			if got := protocol.Encode(frame); !bytes.Equal(got, p) {
				t.Errorf("replica %d frame %d = %q, want %q", i, j, got, p)
			}
		}
	}

	replicas[0].link.RecordAck(total)
	if got := replicas[0].link.AckOffset(); got != total {
		t.Errorf("AckOffset() = %d, want %d", got, total)
	}
}

// TestAcceptExcludesConcurrentWrites registers a replica while another
// goroutine is propagating. Every byte propagated past the offset announced
// in the FULLRESYNC header must reach the new link; a write slipping between
// the header and the registration would leave a permanent gap.
func TestAcceptExcludesConcurrentWrites(t *testing.T) {
	m := replication.NewMaster()
	defer m.Close()

	payload := protocol.EncodeCommand("SET", []byte("k"), []byte("v"))

	// Fewer propagations than the link queue holds, so none can be dropped
	// while the reader below is still parsing the header.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			m.Propagate(payload)
		}
	}()

	near, far := net.Pipe()
	defer near.Close()
	defer far.Close()

	type result struct {
		link *replication.Link
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		link, err := m.Accept("replica-1", protocol.NewWriter(near))
		resCh <- result{link, err}
	}()

	reader := protocol.NewReader(far)
	far.SetReadDeadline(time.Now().Add(5 * time.Second))
	header, err := reader.ReadFrame()
	if err != nil {
		t.Fatalf("read header: %v", err)
	}
	parts := strings.Fields(header.String())
	if len(parts) != 3 || parts[0] != "FULLRESYNC" {
		t.Fatalf("header = %q, want FULLRESYNC <replid> <offset>", header.String())
	}
	headerOffset, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		t.Fatalf("header offset %q: %v", parts[2], err)
	}
	if _, err := reader.ReadSnapshot(func([]byte) error { return nil }); err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	res := <-resCh
	if res.err != nil {
		t.Fatalf("Accept() error = %v", res.err)
	}

	wg.Wait()
	final := m.Offset()

	var received int64
	for headerOffset+received < final {
		far.SetReadDeadline(time.Now().Add(5 * time.Second))
		frame, err := reader.ReadFrame()
		if err != nil {
			t.Fatalf("stream gap: received %d of %d bytes past the header: %v",
				received, final-headerOffset, err)
		}
		received += int64(len(protocol.Encode(frame)))
	}
	if headerOffset+received != final {
		t.Errorf("header %d + received %d = %d, want %d", headerOffset, received, headerOffset+received, final)
	}
}

func TestBrokenLinkPruned(t *testing.T) {
	m := replication.NewMaster()
	defer m.Close()

	nearBroken, farBroken := net.Pipe()
	brokenLink := m.Register("broken", protocol.NewWriter(nearBroken))

	nearLive, farLive := net.Pipe()
	m.Register("live", protocol.NewWriter(nearLive))

	// Kill the first replica's connection so the next write fails.
	farBroken.Close()
	nearBroken.Close()

	payload := protocol.EncodeCommand("SET", []byte("k"), []byte("v"))
	m.Propagate(payload)

	// The healthy replica still receives the command.
	r := protocol.NewReader(farLive)
	farLive.SetReadDeadline(time.Now().Add(2 * time.Second))
	frame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("live replica: ReadFrame() error = %v", err)
	}
	if got := protocol.Encode(frame); !bytes.Equal(got, payload) {
		t.Errorf("live replica got %q, want %q", got, payload)
	}

	select {
	case <-brokenLink.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("broken link was not removed")
	}
	if got := m.ReplicaCount(); got != 1 {
		t.Errorf("ReplicaCount() = %d, want 1", got)
	}
}

func TestMasterClose(t *testing.T) {
	m := replication.NewMaster()

	near, far := net.Pipe()
	defer near.Close()
	defer far.Close()

	link := m.Register("r1", protocol.NewWriter(near))
	m.Close()

	select {
	case <-link.Done():
	case <-time.After(time.Second):
		t.Fatal("link not closed by Close()")
	}
	if got := m.ReplicaCount(); got != 0 {
		t.Errorf("ReplicaCount() = %d after Close, want 0", got)
	}
}

// scriptedMaster accepts replica connections and drives the master side of
// the handshake by hand. failures counts connections that are rejected at
// the PING step before a successful handshake is allowed.
type scriptedMaster struct {
	ln       net.Listener
	failures int

	mu     sync.Mutex
	conns  []net.Conn
	writer *protocol.Writer
	reader *protocol.Reader
	synced chan struct{}
}

func newScriptedMaster(t *testing.T, failures int) *scriptedMaster {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	sm := &scriptedMaster{ln: ln, failures: failures, synced: make(chan struct{})}
	go sm.serve()
	t.Cleanup(sm.close)
	return sm
}

func (sm *scriptedMaster) serve() {
	remaining := sm.failures
	for {
		conn, err := sm.ln.Accept()
		if err != nil {
			return
		}
		sm.mu.Lock()
		sm.conns = append(sm.conns, conn)
		sm.mu.Unlock()

		reject := remaining > 0
		if reject {
			remaining--
		}
		if sm.handleConn(conn, reject) {
			return
		}
	}
}

// handleConn drives one connection through the master side of the
// handshake; it reports whether the handshake completed.
func (sm *scriptedMaster) handleConn(conn net.Conn, reject bool) bool {
	r := protocol.NewReader(conn)
	w := protocol.NewWriter(conn)

	// PING
	if _, err := r.ReadFrame(); err != nil {
		conn.Close()
		return false
	}
	if reject {
		w.WriteError("LOADING server is loading")
		w.Flush()
		conn.Close()
		return false
	}
	w.WriteSimpleString("PONG")
	w.Flush()

	// REPLCONF listening-port, REPLCONF capa
	for i := 0; i < 2; i++ {
		if _, err := r.ReadFrame(); err != nil {
			conn.Close()
			return false
		}
		w.WriteSimpleString("OK")
		w.Flush()
	}

	// PSYNC
	if _, err := r.ReadFrame(); err != nil {
		conn.Close()
		return false
	}
	w.WriteSimpleString("FULLRESYNC " + testReplID + " 0")
	w.WriteSnapshot([]byte("REDIS0011\xff\x00\x00\x00\x00\x00\x00\x00\x00"))
	w.Flush()

	sm.mu.Lock()
	sm.reader = r
	sm.writer = w
	sm.mu.Unlock()
	close(sm.synced)
	return true
}

// sendCommand streams one command to the synced replica.
func (sm *scriptedMaster) sendCommand(t *testing.T, name string, args ...string) {
	t.Helper()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if err := sm.writer.WriteCommand(name, args...); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if err := sm.writer.Flush(); err != nil {
		t.Fatalf("flush %s: %v", name, err)
	}
}

func (sm *scriptedMaster) readFrame(t *testing.T) protocol.Frame {
	t.Helper()
	sm.mu.Lock()
	r := sm.reader
	sm.mu.Unlock()
	frame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("read from replica: %v", err)
	}
	return frame
}

func (sm *scriptedMaster) close() {
	sm.ln.Close()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for _, c := range sm.conns {
		c.Close()
	}
}

func TestClientHandshakeAndStreaming(t *testing.T) {
	sm := newScriptedMaster(t, 0)

	applied := make(chan protocol.Frame, 16)
	client := replication.NewClient(sm.ln.Addr().String(), func(frame protocol.Frame) error {
		applied <- frame
		return nil
	})
	client.SetListeningPort(6380)
	client.SetRetryBackoff(10*time.Millisecond, 100*time.Millisecond)
	defer client.Stop()

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.WaitForSync(ctx); err != nil {
		t.Fatalf("WaitForSync() error = %v", err)
	}

	if got := client.MasterReplID(); got != testReplID {
		t.Errorf("MasterReplID() = %q, want %q", got, testReplID)
	}
	if got := client.State(); got != replication.StateStreaming {
		t.Errorf("State() = %v, want streaming", got)
	}
	if got := client.Offset(); got != 0 {
		t.Errorf("Offset() = %d after sync, want 0", got)
	}

	// Stream a write; the replica applies it without replying.
	sm.sendCommand(t, "SET", "foo", "bar")
	select {
	case frame := <-applied:
		want := protocol.EncodeCommand("SET", []byte("foo"), []byte("bar"))
		if got := protocol.Encode(frame); !bytes.Equal(got, want) {
			t.Errorf("applied %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("replicated command was not applied")
	}

	// GETACK is answered with the offset before the GETACK itself.
	sm.sendCommand(t, "REPLCONF", "GETACK", "*")
	ack := sm.readFrame(t)
	if ack.Type != protocol.TypeArray || len(ack.Array) != 3 {
		t.Fatalf("ack frame = %v, want REPLCONF ACK <offset>", ack)
	}
	if got := string(ack.Array[0].Data); got != "REPLCONF" {
		t.Errorf("ack[0] = %q, want REPLCONF", got)
	}
	if got := string(ack.Array[1].Data); got != "ACK" {
		t.Errorf("ack[1] = %q, want ACK", got)
	}
	wantOffset := len(protocol.EncodeCommand("SET", []byte("foo"), []byte("bar")))
	if got := string(ack.Array[2].Data); got != strconv.Itoa(wantOffset) {
		t.Errorf("ack offset = %q, want %d", got, wantOffset)
	}
}

func TestClientHandshakeRetry(t *testing.T) {
	sm := newScriptedMaster(t, 2)

	client := replication.NewClient(sm.ln.Addr().String(), func(protocol.Frame) error { return nil })
	client.SetListeningPort(6380)
	client.SetRetryBackoff(10*time.Millisecond, 50*time.Millisecond)
	defer client.Stop()

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// Two attempts are rejected at PING; the third must complete.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.WaitForSync(ctx); err != nil {
		t.Fatalf("WaitForSync() error = %v", err)
	}

	select {
	case <-sm.synced:
	case <-time.After(time.Second):
		t.Fatal("scripted master never completed a handshake")
	}
}

func TestClientStop(t *testing.T) {
	sm := newScriptedMaster(t, 0)

	client := replication.NewClient(sm.ln.Addr().String(), func(protocol.Frame) error { return nil })
	client.SetRetryBackoff(10*time.Millisecond, 50*time.Millisecond)

	if err := client.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.WaitForSync(ctx); err != nil {
		t.Fatalf("WaitForSync() error = %v", err)
	}

	if err := client.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	// Stop is idempotent.
	if err := client.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}
}

// TestClientStopWithoutStart stops a client whose run loop never launched;
// Stop must return immediately instead of waiting out its shutdown timeout.
func TestClientStopWithoutStart(t *testing.T) {
	client := replication.NewClient("127.0.0.1:1", func(protocol.Frame) error { return nil })

	start := time.Now()
	if err := client.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop() took %v on a client that never started", elapsed)
	}

	if err := client.Start(context.Background()); err == nil {
		t.Error("Start() after Stop() succeeded, want error")
	}
}
