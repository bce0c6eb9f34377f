package credis

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/mal0ner/credis/command"
	"github.com/mal0ner/credis/protocol"
	"github.com/mal0ner/credis/replication"
	"github.com/mal0ner/credis/server"
	"github.com/mal0ner/credis/storage"
)

// Server is a RESP-compatible in-memory key-value server. It runs either
// as a master that propagates writes to replicas, or as a replica that
// follows a master and serves reads.
type Server struct {
	// Configuration
	config *config

	// Components
	store   storage.Store
	server  *server.Server
	master  *replication.Master
	replica *replication.Client

	// State
	mu      sync.RWMutex
	started bool
	closed  bool
}

// New creates a new Server with the given options
//
// The server is created but not started. Use Start() to begin serving.
//
// Example:
//
//	master, err := credis.New(credis.WithListenAddr(":6379"))
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	replica, err := credis.New(
//		credis.WithListenAddr(":6380"),
//		credis.WithMaster("localhost:6379"),
//	)
func New(opts ...Option) (*Server, error) {
	cfg := defaultConfig()

	// Apply options
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	var storeOpts []storage.MemoryOption
	if cfg.shardCount > 0 {
		storeOpts = append(storeOpts, storage.WithShardCount(cfg.shardCount))
	}
	store := storage.NewMemory(storeOpts...)

	s := &Server{
		config: cfg,
		store:  store,
		server: server.NewServer(cfg.listenAddr, store),
	}

	logger := &fieldLogger{logger: cfg.logger}
	s.server.SetLogger(logger)
	s.server.SetVersion(Version)
	if cfg.idleTimeout > 0 {
		s.server.SetIdleTimeout(cfg.idleTimeout)
	}
	if cfg.maxBulkSize > 0 {
		s.server.SetMaxBulkSize(cfg.maxBulkSize)
	}

	if cfg.masterAddr == "" {
		s.master = replication.NewMaster()
		s.master.SetLogger(logger)
		s.server.SetMaster(s.master)
	} else {
		s.replica = replication.NewClient(cfg.masterAddr, s.applyReplicated)
		s.replica.SetLogger(logger)
		s.replica.SetConnectTimeout(cfg.connectTimeout)
		s.replica.SetHandshakeTimeout(cfg.handshakeTimeout)
		s.replica.SetWriteTimeout(cfg.writeTimeout)
		s.replica.SetRetryBackoff(cfg.retryBackoffMin, cfg.retryBackoffMax)
		s.server.SetReplicaStatus(s.replica)
	}

	return s, nil
}

// Start begins serving clients and, on a replica, begins following the
// master in the background. Use WaitForSync() to wait for the initial
// synchronization to complete.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.started {
		return nil
	}

	if err := s.server.Start(); err != nil {
		return err
	}

	if s.replica != nil {
		// The advertised port comes from the live listener, so a :0
		// listen address works.
		port, err := listenPort(s.server.Addr())
		if err != nil {
			s.server.Stop()
			return err
		}
		s.replica.SetListeningPort(port)

		if err := s.replica.Start(ctx); err != nil {
			s.server.Stop()
			return err
		}
	}

	s.started = true
	return nil
}

// WaitForSync blocks until the initial synchronization with the master is
// complete or the context is cancelled. On a master it returns immediately.
func (s *Server) WaitForSync(ctx context.Context) error {
	s.mu.RLock()
	started := s.started && !s.closed
	s.mu.RUnlock()

	if !started {
		return ErrNotStarted
	}
	if s.replica == nil {
		return nil
	}
	return s.replica.WaitForSync(ctx)
}

// OnSyncComplete registers a callback for when the initial sync completes.
// On a master the callback never fires.
func (s *Server) OnSyncComplete(fn func()) {
	if s.replica != nil {
		s.replica.OnSyncComplete(fn)
	}
}

// Close gracefully shuts down the server: the listener stops first, then
// replication, then the keyspace is released.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	if err := s.server.Stop(); err != nil {
		firstErr = err
	}
	if s.replica != nil {
		if err := s.replica.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.master != nil {
		s.master.Close()
	}
	s.store.FlushAll()

	return firstErr
}

// Addr returns the server's listening address.
func (s *Server) Addr() string {
	return s.server.Addr()
}

// Role returns the server's replication role.
func (s *Server) Role() replication.Role {
	return s.server.Role()
}

// Store returns the underlying keyspace for direct access.
func (s *Server) Store() storage.Store {
	return s.store
}

// ReplicationOffset returns the propagated offset on a master, or the
// processed stream offset on a replica.
func (s *Server) ReplicationOffset() int64 {
	if s.replica != nil {
		return s.replica.Offset()
	}
	return s.master.Offset()
}

// applyReplicated executes one command from the master's stream against
// the local keyspace. Replies are never written; unknown commands in the
// stream are skipped rather than breaking the link.
func (s *Server) applyReplicated(frame protocol.Frame) error {
	cmd, err := command.Interpret(frame)
	if err != nil {
		return fmt.Errorf("replicated command: %w", err)
	}

	switch v := cmd.(type) {
	case command.Set:
		s.store.Set(v.Key, v.Value, v.ExpireAt)
	case command.Del:
		s.store.Del(v.Keys...)
	case command.Ping:
		// Keepalive from the master; nothing to apply.
	default:
		s.config.logger.Debug("Ignoring replicated command", Field{Key: "command", Value: cmd.Name()})
	}
	return nil
}

func listenPort(addr string) (int, error) {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0, fmt.Errorf("invalid listen port %q: %w", portStr, err)
	}
	return port, nil
}
