// Package redisserver is an in-memory Redis-compatible server built on
// redcon. It implements the subset of commands the mail store issues:
// strings, hashes, sorted sets, pub/sub and MULTI/EXEC with WATCH.
package redisserver

import (
	"errors"
	"net"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/tidwall/redcon"
)

// entry represents a stored value: []byte for strings,
// map[string]string for hashes and *zset for sorted sets.
type entry struct {
	value interface{}
}

// Server holds the in-memory datastore and provides thread-safe access.
type Server struct {
	mu   sync.RWMutex
	data map[string]*entry

	ps     redcon.PubSub
	logger log.Logger

	// execMu is held shared by every command and exclusively by EXEC.
	execMu   sync.RWMutex
	vmu      sync.Mutex
	versions map[string]uint64

	srvMu sync.Mutex
	srv   *redcon.Server
}

// ServerConfig selects where the server listens. Network is "tcp" or
// "unix"; an Addr of "127.0.0.1:0" picks a free port.
type ServerConfig struct {
	Network string
	Addr    string
}

// NewServer creates an empty server. Call Start to accept connections.
func NewServer(logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{
		data:     make(map[string]*entry),
		versions: make(map[string]uint64),
		logger:   log.With(logger, "component", "redisserver"),
	}
}

// Start listens on the configured address and serves connections in the
// background. It returns once the listener is bound.
func (s *Server) Start(config ServerConfig) error {
	network := config.Network
	if network == "" {
		network = "tcp"
	}

	srv := redcon.NewServerNetwork(network, config.Addr, s.handle,
		func(conn redcon.Conn) bool { return true },
		func(conn redcon.Conn, err error) {},
	)

	signal := make(chan error, 1)
	go func() {
		if err := srv.ListenServeAndSignal(signal); err != nil {
			level.Debug(s.logger).Log("msg", "server stopped", "err", err)
		}
	}()
	if err := <-signal; err != nil {
		return err
	}

	s.srvMu.Lock()
	s.srv = srv
	s.srvMu.Unlock()

	level.Info(s.logger).Log("msg", "redis server listening", "network", network, "addr", srv.Addr().String())
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	if s.srv == nil {
		return nil
	}
	return s.srv.Addr()
}

// Close stops listening and closes accepted connections.
func (s *Server) Close() error {
	s.srvMu.Lock()
	defer s.srvMu.Unlock()
	if s.srv == nil {
		return errors.New("redisserver: not serving")
	}
	err := s.srv.Close()
	s.srv = nil
	return err
}
