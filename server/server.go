package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mal0ner/credis/command"
	"github.com/mal0ner/credis/protocol"
	"github.com/mal0ner/credis/replication"
	"github.com/mal0ner/credis/scripting"
	"github.com/mal0ner/credis/storage"
)

// Logger interface for server logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(msg string, fields ...interface{}) {}
func (noopLogger) Info(msg string, fields ...interface{})  {}
func (noopLogger) Error(msg string, fields ...interface{}) {}

// ReplicaStatus reports the replica-side fields INFO needs. It is only
// consulted when the server runs as a replica.
type ReplicaStatus interface {
	MasterReplID() string
	Offset() int64
}

// Server accepts RESP connections and executes commands against the
// keyspace store. On a master it also answers the replication handshake
// and propagates writes; on a replica it serves reads and rejects writes.
type Server struct {
	store  storage.Store
	engine *scripting.Engine

	// Replication wiring. master is non-nil iff the server is a master;
	// replica is non-nil iff it follows one.
	master  *replication.Master
	replica ReplicaStatus

	// Server configuration
	addr        string
	version     string
	idleTimeout time.Duration
	maxBulkSize int64
	logger      Logger

	// Connection management
	listener net.Listener
	clients  sync.Map // map[net.Conn]*Client

	// writeMu orders apply+propagate. The store write and its propagation
	// must be one step: if two writes to the same key interleave between
	// the two calls, the replicas apply them in a different order than the
	// master did and the keyspaces diverge for good. Reads never take it.
	writeMu sync.Mutex

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Counters
	mu           sync.RWMutex
	connCount    int64
	commandCount int64
	errorCount   int64
}

// Client represents one connected RESP client.
type Client struct {
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
	server *Server

	// link is set once the connection completes PSYNC and becomes a
	// replica feed.
	link *replication.Link

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a server over the given store. The server runs as a
// master unless SetReplicaStatus marks it as a follower.
func NewServer(addr string, store storage.Store) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		store:   store,
		engine:  scripting.NewEngine(store),
		addr:    addr,
		version: "0.0.0",
		logger:  noopLogger{},
		ctx:     ctx,
		cancel:  cancel,
	}
	return s
}

// SetLogger sets the logger
func (s *Server) SetLogger(logger Logger) {
	s.logger = logger
}

// SetVersion sets the version string reported by INFO.
func (s *Server) SetVersion(v string) {
	s.version = v
}

// SetIdleTimeout bounds how long a connection may sit between requests.
// Zero disables the limit.
func (s *Server) SetIdleTimeout(d time.Duration) {
	s.idleTimeout = d
}

// SetMaxBulkSize caps the accepted bulk string length on client readers.
func (s *Server) SetMaxBulkSize(n int64) {
	s.maxBulkSize = n
}

// SetMaster attaches the master-side replication coordinator. Writes are
// propagated through it, and PSYNC connections register with it.
func (s *Server) SetMaster(m *replication.Master) {
	s.master = m
	s.engine.SetWriteHook(func(cmd string, args []string) {
		payload := make([][]byte, len(args))
		for i, a := range args {
			payload[i] = []byte(a)
		}
		m.Propagate(protocol.EncodeCommand(cmd, payload...))
	})
}

// SetReplicaStatus marks the server as a replica and wires the INFO
// replication fields to the given source.
func (s *Server) SetReplicaStatus(r ReplicaStatus) {
	s.replica = r
}

// Role returns the server's replication role.
func (s *Server) Role() replication.Role {
	if s.replica != nil {
		return replication.RoleReplica
	}
	return replication.RoleMaster
}

// Start begins accepting connections.
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("Server listening", "addr", s.listener.Addr().String(), "role", s.Role().String())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop stops the server and closes every client connection.
func (s *Server) Stop() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.clients.Range(func(key, value interface{}) bool {
		if client, ok := value.(*Client); ok {
			client.Close()
		}
		return true
	})

	s.wg.Wait()
	return nil
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clientCount := 0
	s.clients.Range(func(key, value interface{}) bool {
		clientCount++
		return true
	})

	return map[string]interface{}{
		"connected_clients": clientCount,
		"total_commands":    s.commandCount,
		"total_errors":      s.errorCount,
		"total_connections": s.connCount,
	}
}

// acceptConnections accepts new client connections
func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return // Server is shutting down
			}
			continue
		}

		s.handleNewClient(conn)
	}
}

// handleNewClient handles a new client connection
func (s *Server) handleNewClient(conn net.Conn) {
	s.mu.Lock()
	s.connCount++
	s.mu.Unlock()

	var readerOpts []protocol.ReaderOption
	if s.maxBulkSize > 0 {
		readerOpts = append(readerOpts, protocol.WithMaxBulkSize(s.maxBulkSize))
	}

	ctx, cancel := context.WithCancel(s.ctx)
	client := &Client{
		conn:   conn,
		reader: protocol.NewReader(conn, readerOpts...),
		writer: protocol.NewWriter(conn),
		server: s,
		ctx:    ctx,
		cancel: cancel,
	}

	s.clients.Store(conn, client)

	s.wg.Add(1)
	go client.handle()
}

// Close closes the client connection
func (c *Client) Close() {
	c.cancel()
	c.conn.Close()
	c.server.clients.Delete(c.conn)
}

// handle runs the request/reply loop. A malformed frame is fatal to this
// connection only; command-level errors are reported inline and the loop
// continues.
func (c *Client) handle() {
	defer c.server.wg.Done()
	defer c.Close()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		if t := c.server.idleTimeout; t > 0 {
			c.conn.SetReadDeadline(time.Now().Add(t))
		}

		frame, err := c.reader.ReadFrame()
		if err != nil {
			if err == io.EOF || c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, protocol.ErrMalformedFrame) || errors.Is(err, protocol.ErrProtocolLimitExceeded) {
				c.server.logger.Debug("Closing connection after protocol error", "remote", c.conn.RemoteAddr().String(), "error", err)
				c.writeError(fmt.Sprintf("ERR Protocol error: %v", err))
			}
			return
		}

		cmd, err := command.Interpret(frame)
		if err != nil {
			c.writeError("ERR " + err.Error())
			continue
		}

		c.server.mu.Lock()
		c.server.commandCount++
		c.server.mu.Unlock()

		c.execute(cmd, frame)

		// A completed PSYNC turns the connection into a replica feed;
		// it no longer speaks request/reply.
		if c.link != nil {
			c.serveReplicaLink()
			return
		}
	}
}

// execute dispatches one decoded command. The original frame rides along
// so writes can be propagated byte-for-byte.
func (c *Client) execute(cmd command.Command, frame protocol.Frame) {
	if command.IsWrite(cmd) && c.server.replica != nil {
		c.writeError("READONLY You can't write against a read only replica.")
		return
	}

	switch v := cmd.(type) {
	case command.Ping:
		c.writeString("PONG")

	case command.Echo:
		c.writeBulkString(v.Payload)

	case command.Get:
		value, exists := c.server.store.Get(v.Key)
		if !exists {
			c.writeNull()
			return
		}
		c.writeBulkString(value)

	case command.Set:
		c.server.writeMu.Lock()
		c.server.store.Set(v.Key, v.Value, v.ExpireAt)
		c.propagate(frame)
		c.server.writeMu.Unlock()
		c.writeString("OK")

	case command.Del:
		c.server.writeMu.Lock()
		deleted := c.server.store.Del(v.Keys...)
		c.propagate(frame)
		c.server.writeMu.Unlock()
		c.writeInteger(deleted)

	case command.Exists:
		c.writeInteger(c.server.store.Exists(v.Keys...))

	case command.Info:
		c.handleInfo(v)

	case command.ReplConf:
		c.handleReplConf(v)

	case command.Psync:
		c.handlePsync(v)

	case command.Eval:
		// Scripts run atomically: each redis.call write propagates through
		// the engine hook as it happens, so the whole run holds writeMu.
		c.server.writeMu.Lock()
		result, err := c.server.engine.Eval(v.Script, v.Keys, v.Args)
		c.server.writeMu.Unlock()
		if err != nil {
			c.writeError("ERR " + err.Error())
			return
		}
		c.writeResult(result)

	case command.EvalSHA:
		c.server.writeMu.Lock()
		result, err := c.server.engine.EvalSHA(v.SHA, v.Keys, v.Args)
		c.server.writeMu.Unlock()
		if err != nil {
			c.writeError("ERR " + err.Error())
			return
		}
		c.writeResult(result)

	case command.Script:
		c.handleScript(v)
	}
}

// propagate forwards a write to the replicas, master role only.
func (c *Client) propagate(frame protocol.Frame) {
	if c.server.master != nil {
		c.server.master.Propagate(protocol.Encode(frame))
	}
}

func (c *Client) handleInfo(cmd command.Info) {
	section := strings.ToLower(cmd.Section)

	var b strings.Builder
	if section == "" || section == "server" {
		b.WriteString("# Server\r\n")
		b.WriteString("credis_version:" + c.server.version + "\r\n")
		if section == "" {
			b.WriteString("\r\n")
		}
	}
	if section == "" || section == "replication" {
		b.WriteString("# Replication\r\n")
		b.WriteString("role:" + c.server.Role().String() + "\r\n")
		switch {
		case c.server.replica != nil:
			b.WriteString("master_replid:" + c.server.replica.MasterReplID() + "\r\n")
			b.WriteString("master_repl_offset:" + strconv.FormatInt(c.server.replica.Offset(), 10) + "\r\n")
		case c.server.master != nil:
			b.WriteString("connected_slaves:" + strconv.Itoa(c.server.master.ReplicaCount()) + "\r\n")
			b.WriteString("master_replid:" + c.server.master.ReplID() + "\r\n")
			b.WriteString("master_repl_offset:" + strconv.FormatInt(c.server.master.Offset(), 10) + "\r\n")
		}
	}

	c.writeBulkString([]byte(b.String()))
}

// handleReplConf answers the pre-PSYNC configuration steps. ACK frames
// normally arrive on an established replica link, but one sent here is
// recorded the same way.
func (c *Client) handleReplConf(cmd command.ReplConf) {
	if len(cmd.Args) == 0 {
		c.writeError("ERR wrong number of arguments for 'replconf' command")
		return
	}

	switch strings.ToLower(string(cmd.Args[0])) {
	case "listening-port", "capa":
		c.writeString("OK")
	case "ack":
		c.recordAck(cmd)
	default:
		c.writeString("OK")
	}
}

// recordAck stores the offset carried by a REPLCONF ACK once a link exists.
func (c *Client) recordAck(cmd command.ReplConf) {
	if c.link == nil || len(cmd.Args) != 2 {
		return
	}
	if offset, err := strconv.ParseInt(string(cmd.Args[1]), 10, 64); err == nil {
		c.link.RecordAck(offset)
	}
}

// handlePsync performs the master side of a full resync: the FULLRESYNC
// header, the snapshot payload, then link registration.
func (c *Client) handlePsync(cmd command.Psync) {
	master := c.server.master
	if master == nil {
		c.writeError("ERR PSYNC is not available on a replica")
		return
	}
	if cmd.ReplID != "?" || cmd.Offset != -1 {
		c.writeError("ERR partial resynchronization is not supported")
		return
	}

	link, err := master.Accept(c.conn.RemoteAddr().String(), c.writer)
	if err != nil {
		c.server.logger.Error("Full resync failed", "remote", c.conn.RemoteAddr().String(), "error", err)
		return
	}
	c.link = link
}

// serveReplicaLink reads REPLCONF ACK frames from an established replica
// until the connection drops, then unregisters the link. The link's
// goroutine owns the write side from registration on, so nothing here may
// touch the writer; frames other than an ACK are dropped without a reply.
func (c *Client) serveReplicaLink() {
	defer c.server.master.Unregister(c.link)

	// The replica only writes when asked; reads may idle indefinitely.
	c.conn.SetReadDeadline(time.Time{})

	for {
		frame, err := c.reader.ReadFrame()
		if err != nil {
			return
		}
		cmd, err := command.Interpret(frame)
		if err != nil {
			continue
		}
		rc, ok := cmd.(command.ReplConf)
		if !ok || len(rc.Args) == 0 || !strings.EqualFold(string(rc.Args[0]), "ack") {
			continue
		}
		c.recordAck(rc)
	}
}

func (c *Client) handleScript(cmd command.Script) {
	switch strings.ToUpper(cmd.Subcommand) {
	case "LOAD":
		if len(cmd.Args) != 1 {
			c.writeError("ERR wrong number of arguments for 'script load' command")
			return
		}
		sha := c.server.engine.LoadScript(cmd.Args[0])
		c.writeBulkString([]byte(sha))

	case "EXISTS":
		if len(cmd.Args) == 0 {
			c.writeError("ERR wrong number of arguments for 'script exists' command")
			return
		}
		results := c.server.engine.ScriptExists(cmd.Args)
		frames := make([]protocol.Frame, len(results))
		for i, exists := range results {
			n := int64(0)
			if exists {
				n = 1
			}
			frames[i] = protocol.Integer(n)
		}
		c.writer.WriteArray(frames)
		c.writer.Flush()

	case "FLUSH":
		if len(cmd.Args) != 0 {
			c.writeError("ERR wrong number of arguments for 'script flush' command")
			return
		}
		c.server.engine.ScriptFlush()
		c.writeString("OK")

	default:
		c.writeError(fmt.Sprintf("ERR unknown SCRIPT subcommand '%s'", cmd.Subcommand))
	}
}

// Response writers

func (c *Client) writeString(s string) {
	c.writer.WriteSimpleString(s)
	c.writer.Flush()
}

func (c *Client) writeError(s string) {
	c.server.mu.Lock()
	c.server.errorCount++
	c.server.mu.Unlock()
	// Strip newlines which would break the frame.
	cleanMsg := strings.ReplaceAll(s, "\n", " ")
	cleanMsg = strings.ReplaceAll(cleanMsg, "\r", " ")
	c.writer.WriteError(cleanMsg)
	c.writer.Flush()
}

func (c *Client) writeBulkString(data []byte) {
	c.writer.WriteBulkString(data)
	c.writer.Flush()
}

func (c *Client) writeNull() {
	c.writer.WriteNullBulkString()
	c.writer.Flush()
}

func (c *Client) writeInteger(i int64) {
	c.writer.WriteInteger(i)
	c.writer.Flush()
}

// writeResult maps a script return value onto the wire the way Redis does.
func (c *Client) writeResult(result interface{}) {
	switch v := result.(type) {
	case nil:
		c.writeNull()
	case bool:
		if v {
			c.writeInteger(1)
		} else {
			c.writeNull()
		}
	case string:
		c.writeBulkString([]byte(v))
	case int64:
		c.writeInteger(v)
	case float64:
		c.writeBulkString([]byte(fmt.Sprintf("%.17g", v)))
	case []interface{}:
		frames := make([]protocol.Frame, len(v))
		for i, item := range v {
			frames[i] = c.resultFrame(item)
		}
		c.writer.WriteArray(frames)
		c.writer.Flush()
	case map[string]interface{}:
		frames := make([]protocol.Frame, 0, len(v)*2)
		for key, value := range v {
			frames = append(frames, protocol.BulkString([]byte(key)), c.resultFrame(value))
		}
		c.writer.WriteArray(frames)
		c.writer.Flush()
	default:
		c.writeBulkString([]byte(fmt.Sprintf("%v", v)))
	}
}

func (c *Client) resultFrame(item interface{}) protocol.Frame {
	switch v := item.(type) {
	case nil:
		return protocol.NullBulkString()
	case string:
		return protocol.BulkString([]byte(v))
	case int64:
		return protocol.Integer(v)
	case int:
		return protocol.Integer(int64(v))
	case bool:
		if v {
			return protocol.Integer(1)
		}
		return protocol.NullBulkString()
	case []byte:
		return protocol.BulkString(v)
	default:
		return protocol.BulkString([]byte(fmt.Sprintf("%v", v)))
	}
}
