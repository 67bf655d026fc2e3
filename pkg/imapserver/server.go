package imapserver

import (
	stdlog "log"
	"net"

	"github.com/emersion/go-imap/server"
	"github.com/freeflowuniverse/heromail/pkg/logging"
	"github.com/freeflowuniverse/heromail/pkg/mailstore"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// DefaultStreamThreshold is the section size above which FETCH streams
// the section instead of buffering it.
const DefaultStreamThreshold = 1 << 20

// Config holds the IMAP listener settings.
type Config struct {
	Addr              string
	AllowInsecureAuth bool
	UpperCaseKeys     bool
	// StreamThreshold in bytes; zero means DefaultStreamThreshold.
	StreamThreshold int64
}

// Server represents an IMAP server
type Server struct {
	imapServer *server.Server
	backend    *Backend
	addr       string
	logger     log.Logger
}

// NewServer creates a new IMAP server
func NewServer(handler *mailstore.Handler, config Config, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	backend := NewBackend(handler, logger, config.UpperCaseKeys)
	if config.StreamThreshold > 0 {
		backend.streamThreshold = config.StreamThreshold
	}
	s := &Server{
		backend: backend,
		addr:    config.Addr,
		logger:  log.With(logger, "component", "imapserver"),
	}

	s.imapServer = server.New(backend)
	s.imapServer.Addr = config.Addr
	s.imapServer.AllowInsecureAuth = config.AllowInsecureAuth
	s.imapServer.ErrorLog = stdlog.New(logging.NewStdWriter(s.logger), "", 0)
	return s
}

// Start starts the IMAP server
func (s *Server) Start() error {
	level.Info(s.logger).Log("msg", "starting IMAP server", "addr", s.addr)
	return s.imapServer.ListenAndServe()
}

// Serve accepts IMAP connections on l.
func (s *Server) Serve(l net.Listener) error {
	level.Info(s.logger).Log("msg", "serving IMAP", "addr", l.Addr().String())
	return s.imapServer.Serve(l)
}

// Close stops the IMAP server
func (s *Server) Close() error {
	return s.imapServer.Close()
}
