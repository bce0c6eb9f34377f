package replication

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mal0ner/credis/protocol"
)

// ApplyFunc applies one command received from the master to local state.
// It must not write a reply.
type ApplyFunc func(frame protocol.Frame) error

// Client implements the replica side of replication. It dials the master,
// drives the handshake as an explicit state machine, consumes the snapshot
// and applies the streamed commands through the ApplyFunc, reconnecting
// with exponential backoff when anything breaks.
type Client struct {
	// Configuration
	masterAddr    string
	listeningPort int
	apply         ApplyFunc

	// Connection state
	mu        sync.RWMutex
	conn      net.Conn
	reader    *protocol.Reader
	writer    *protocol.Writer
	connected bool

	// Replication state
	state      int32 // atomic State
	replID     string
	replOffset int64 // atomic

	// Control channels
	ctx      context.Context
	cancel   context.CancelFunc
	stopChan chan struct{}
	doneChan chan struct{}
	syncedCh chan struct{}
	started  int32 // atomic flag set once run is launched
	stopped  int32 // atomic flag to prevent double stop
	runEnded int32 // atomic flag to prevent double doneChan close
	syncOnce sync.Once

	// Callbacks
	onSyncComplete []func()

	// Configuration
	logger           Logger
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
	writeTimeout     time.Duration
	backoffMin       time.Duration
	backoffMax       time.Duration
}

// NewClient creates a replica client that will follow the master at
// masterAddr and apply its command stream through apply.
func NewClient(masterAddr string, apply ApplyFunc) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		masterAddr:       masterAddr,
		apply:            apply,
		ctx:              ctx,
		cancel:           cancel,
		stopChan:         make(chan struct{}),
		doneChan:         make(chan struct{}),
		syncedCh:         make(chan struct{}),
		connectTimeout:   5 * time.Second,
		handshakeTimeout: 10 * time.Second,
		writeTimeout:     10 * time.Second,
		backoffMin:       500 * time.Millisecond,
		backoffMax:       30 * time.Second,
		logger:           &defaultLogger{},
	}
}

// SetLogger sets the logger
func (c *Client) SetLogger(logger Logger) {
	c.logger = logger
}

// SetListeningPort sets the port advertised via REPLCONF listening-port.
func (c *Client) SetListeningPort(port int) {
	c.listeningPort = port
}

// SetConnectTimeout sets the connection timeout
func (c *Client) SetConnectTimeout(timeout time.Duration) {
	c.connectTimeout = timeout
}

// SetHandshakeTimeout bounds each wait for a handshake reply.
func (c *Client) SetHandshakeTimeout(timeout time.Duration) {
	c.handshakeTimeout = timeout
}

// SetWriteTimeout sets the write timeout for network operations
func (c *Client) SetWriteTimeout(timeout time.Duration) {
	c.writeTimeout = timeout
}

// SetRetryBackoff sets the bounds of the reconnect backoff.
func (c *Client) SetRetryBackoff(min, max time.Duration) {
	c.backoffMin = min
	c.backoffMax = max
}

// OnSyncComplete registers a callback invoked once the initial sync finishes.
func (c *Client) OnSyncComplete(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSyncComplete = append(c.onSyncComplete, fn)
}

// State returns the client's position in the sync lifecycle.
func (c *Client) State() State {
	return State(atomic.LoadInt32(&c.state))
}

// Offset returns the number of command-stream bytes processed so far.
func (c *Client) Offset() int64 {
	return atomic.LoadInt64(&c.replOffset)
}

// MasterReplID returns the replication ID announced by the master, or ""
// before the first successful handshake.
func (c *Client) MasterReplID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.replID
}

// Start begins replication in the background. It is a no-op when called
// twice, and an error after Stop.
func (c *Client) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if atomic.LoadInt32(&c.stopped) == 1 {
		return fmt.Errorf("replication client is stopped")
	}
	if !atomic.CompareAndSwapInt32(&c.started, 0, 1) {
		return nil
	}

	c.logger.Info("Starting replication client", "master", c.masterAddr)
	go c.run()
	return nil
}

// WaitForSync blocks until the initial sync completes or ctx expires.
func (c *Client) WaitForSync(ctx context.Context) error {
	select {
	case <-c.syncedCh:
		return nil
	case <-c.doneChan:
		return fmt.Errorf("replication stopped before initial sync")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops replication
func (c *Client) Stop() error {
	// Use atomic CAS to ensure we only stop once
	if !atomic.CompareAndSwapInt32(&c.stopped, 0, 1) {
		return nil
	}

	c.logger.Info("Stopping replication client")

	c.cancel()
	close(c.stopChan)
	c.disconnect()

	// Without a running loop there is nothing to wait for; doneChan only
	// closes when run returns.
	if atomic.LoadInt32(&c.started) == 0 {
		return nil
	}

	select {
	case <-c.doneChan:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("stop timeout")
	}
}

// run is the main replication loop. Every failed attempt restarts the
// handshake from the beginning.
func (c *Client) run() {
	defer func() {
		if atomic.CompareAndSwapInt32(&c.runEnded, 0, 1) {
			close(c.doneChan)
		}
		c.setState(StateDisconnected)
	}()

	backoff := c.backoffMin
	attempt := 0

	for {
		select {
		case <-c.stopChan:
			c.disconnect()
			return
		default:
		}

		attempt++

		if err := c.connect(); err != nil {
			c.logger.Error("Connection failed", "master", c.masterAddr, "error", err)
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.backoffMax)
			continue
		}

		if err := c.handshake(attempt); err != nil {
			c.logger.Error("Handshake failed", "error", err)
			c.disconnect()
			if !c.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, c.backoffMax)
			continue
		}

		// Handshake succeeded; reset backoff and stream until the link dies.
		backoff = c.backoffMin
		attempt = 0
		c.notifySynced()

		if err := c.stream(); err != nil {
			select {
			case <-c.stopChan:
				c.disconnect()
				return
			default:
			}
			c.logger.Error("Streaming failed", "error", err)
			c.disconnect()
		}
	}
}

// connect establishes connection to master
func (c *Client) connect() error {
	c.setState(StateConnecting)
	c.logger.Debug("Connecting to master", "addr", c.masterAddr)

	dialer := &net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(c.ctx, "tcp", c.masterAddr)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = protocol.NewReader(conn)
	c.writer = protocol.NewWriter(conn)
	c.connected = true
	c.mu.Unlock()

	return nil
}

// disconnect closes the connection
func (c *Client) disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.mu.Unlock()
}

// handshake performs the replica-initiated handshake:
//
//	PING                      -> +PONG
//	REPLCONF listening-port p -> +OK
//	REPLCONF capa psync2      -> +OK
//	PSYNC ? -1                -> +FULLRESYNC <replid> <offset>, then snapshot
//
// Any unexpected reply aborts the whole handshake; there is no resumption
// from a partial step.
func (c *Client) handshake(attempt int) error {
	c.setState(StatePingSent)
	if err := c.sendCommand("PING"); err != nil {
		return &HandshakeError{Step: "ping", Attempt: attempt, Err: err}
	}
	if err := c.expectStatus("PONG"); err != nil {
		return &HandshakeError{Step: "ping", Attempt: attempt, Err: err}
	}

	c.setState(StateConfSent)
	port := strconv.Itoa(c.listeningPort)
	if err := c.sendCommand("REPLCONF", "listening-port", port); err != nil {
		return &HandshakeError{Step: "replconf", Attempt: attempt, Err: err}
	}
	if err := c.expectStatus("OK"); err != nil {
		return &HandshakeError{Step: "replconf", Attempt: attempt, Err: err}
	}
	if err := c.sendCommand("REPLCONF", "capa", "psync2"); err != nil {
		return &HandshakeError{Step: "replconf", Attempt: attempt, Err: err}
	}
	if err := c.expectStatus("OK"); err != nil {
		return &HandshakeError{Step: "replconf", Attempt: attempt, Err: err}
	}

	c.setState(StatePsyncSent)
	if err := c.sendCommand("PSYNC", "?", "-1"); err != nil {
		return &HandshakeError{Step: "psync", Attempt: attempt, Err: err}
	}
	replID, offset, err := c.readFullResync()
	if err != nil {
		return &HandshakeError{Step: "psync", Attempt: attempt, Err: err}
	}

	c.setState(StateSnapshot)
	if err := c.consumeSnapshot(); err != nil {
		return &HandshakeError{Step: "snapshot", Attempt: attempt, Err: err}
	}

	c.mu.Lock()
	c.replID = replID
	c.mu.Unlock()
	atomic.StoreInt64(&c.replOffset, offset)

	c.setState(StateStreaming)
	c.logger.Info("Initial synchronization completed", "replid", replID, "offset", offset)
	return nil
}

// readFullResync parses the +FULLRESYNC <replid> <offset> reply.
func (c *Client) readFullResync() (string, int64, error) {
	frame, err := c.readHandshakeReply()
	if err != nil {
		return "", 0, err
	}
	if frame.IsError() {
		return "", 0, fmt.Errorf("master rejected PSYNC: %s", frame.String())
	}

	parts := strings.Fields(frame.String())
	if len(parts) != 3 || parts[0] != "FULLRESYNC" {
		return "", 0, fmt.Errorf("unexpected PSYNC reply: %q", frame.String())
	}
	offset, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("invalid offset %q in PSYNC reply", parts[2])
	}
	return parts[1], offset, nil
}

// consumeSnapshot reads and discards the snapshot payload. Decoding the
// snapshot format is out of scope; the stream position afterwards is what
// matters.
func (c *Client) consumeSnapshot() error {
	c.mu.RLock()
	reader := c.reader
	c.mu.RUnlock()

	size, err := reader.ReadSnapshot(func(chunk []byte) error { return nil })
	if err != nil {
		return fmt.Errorf("snapshot read failed: %w", err)
	}
	c.logger.Debug("Snapshot consumed", "bytes", size)
	return nil
}

// stream applies commands from the master until the connection breaks.
// Commands are applied without replies; REPLCONF GETACK is the exception
// and is answered with REPLCONF ACK <offset>.
func (c *Client) stream() error {
	c.mu.RLock()
	reader := c.reader
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	// The stream may idle indefinitely between writes on the master.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	for {
		frame, err := reader.ReadFrame()
		if err != nil {
			return err
		}

		size := int64(len(protocol.Encode(frame)))

		if isGetAck(frame) {
			// The reported offset excludes the GETACK itself.
			if err := c.sendAck(); err != nil {
				return err
			}
			atomic.AddInt64(&c.replOffset, size)
			continue
		}

		if err := c.apply(frame); err != nil {
			c.logger.Error("Failed to apply replicated command", "command", frame.String(), "error", err)
		}
		atomic.AddInt64(&c.replOffset, size)
	}
}

func (c *Client) sendAck() error {
	offset := strconv.FormatInt(c.Offset(), 10)
	return c.sendCommand("REPLCONF", "ACK", offset)
}

// sendCommand writes one command and flushes it under the write timeout.
func (c *Client) sendCommand(name string, args ...string) error {
	c.mu.RLock()
	writer := c.writer
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return fmt.Errorf("not connected")
	}
	if c.writeTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	if err := writer.WriteCommand(name, args...); err != nil {
		return err
	}
	return writer.Flush()
}

// expectStatus waits for a specific simple-string reply within the
// handshake timeout.
func (c *Client) expectStatus(want string) error {
	frame, err := c.readHandshakeReply()
	if err != nil {
		return err
	}
	if frame.IsError() {
		return fmt.Errorf("master replied with error: %s", frame.String())
	}
	if frame.Type != protocol.TypeSimpleString || frame.String() != want {
		return fmt.Errorf("expected +%s, got %q", want, frame.String())
	}
	return nil
}

func (c *Client) readHandshakeReply() (protocol.Frame, error) {
	c.mu.RLock()
	reader := c.reader
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return protocol.Frame{}, fmt.Errorf("not connected")
	}
	if c.handshakeTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.handshakeTimeout)); err != nil {
			return protocol.Frame{}, err
		}
	}
	return reader.ReadFrame()
}

func (c *Client) setState(s State) {
	atomic.StoreInt32(&c.state, int32(s))
}

func (c *Client) notifySynced() {
	c.syncOnce.Do(func() {
		close(c.syncedCh)

		c.mu.RLock()
		callbacks := make([]func(), len(c.onSyncComplete))
		copy(callbacks, c.onSyncComplete)
		c.mu.RUnlock()

		for _, callback := range callbacks {
			callback()
		}
	})
}

// sleep waits for d or until the client is stopped; it reports whether the
// client should keep running.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-c.stopChan:
		return false
	}
}

func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		return max
	}
	return next
}

// isGetAck reports whether a streamed frame is REPLCONF GETACK.
func isGetAck(frame protocol.Frame) bool {
	if frame.Type != protocol.TypeArray || len(frame.Array) < 2 {
		return false
	}
	return strings.EqualFold(string(frame.Array[0].Data), "REPLCONF") &&
		strings.EqualFold(string(frame.Array[1].Data), "GETACK")
}
