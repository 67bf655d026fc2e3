// Package smtpserver delivers messages received over LMTP or SMTP into the
// recipients' mailboxes.
package smtpserver

import (
	stdlog "log"
	"net"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/freeflowuniverse/heromail/pkg/logging"
	"github.com/freeflowuniverse/heromail/pkg/mailstore"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
)

// Config holds the configuration for the delivery listener
type Config struct {
	Network         string
	Addr            string
	Domain          string
	LMTP            bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	MaxRecipients   int
}

// DefaultConfig returns the default configuration for the delivery listener
func DefaultConfig() Config {
	return Config{
		Network:         "tcp",
		Addr:            ":2525",
		Domain:          "localhost",
		LMTP:            true,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		MaxMessageBytes: 25 * 1024 * 1024,
		MaxRecipients:   50,
	}
}

// Metrics counts delivery attempts per recipient, labelled by status.
type Metrics struct {
	Deliveries metrics.Counter
}

// Server represents the delivery server
type Server struct {
	config     Config
	smtpServer *smtp.Server
	logger     log.Logger
}

// NewServer creates a new delivery server
func NewServer(handler *mailstore.Handler, config Config, logger log.Logger, m *Metrics) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	logger = log.With(logger, "component", "smtpserver")
	if m == nil {
		m = &Metrics{Deliveries: discard.NewCounter()}
	}

	be := &Backend{
		handler: handler,
		domain:  config.Domain,
		logger:  logger,
		metrics: m,
	}

	smtpServer := smtp.NewServer(be)
	smtpServer.Network = config.Network
	smtpServer.Addr = config.Addr
	smtpServer.Domain = config.Domain
	smtpServer.LMTP = config.LMTP
	smtpServer.ReadTimeout = config.ReadTimeout
	smtpServer.WriteTimeout = config.WriteTimeout
	smtpServer.MaxMessageBytes = config.MaxMessageBytes
	smtpServer.MaxRecipients = config.MaxRecipients
	smtpServer.ErrorLog = stdlog.New(logging.NewStdWriter(logger), "", 0)

	return &Server{
		config:     config,
		smtpServer: smtpServer,
		logger:     logger,
	}
}

// Start starts the delivery server
func (s *Server) Start() error {
	level.Info(s.logger).Log("msg", "starting delivery server", "addr", s.config.Addr, "lmtp", s.config.LMTP)
	return s.smtpServer.ListenAndServe()
}

// Serve accepts connections on l.
func (s *Server) Serve(l net.Listener) error {
	level.Info(s.logger).Log("msg", "serving delivery", "addr", l.Addr().String(), "lmtp", s.config.LMTP)
	return s.smtpServer.Serve(l)
}

// Stop stops the delivery server
func (s *Server) Stop() error {
	level.Info(s.logger).Log("msg", "stopping delivery server", "addr", s.config.Addr)
	if err := s.smtpServer.Close(); err != nil {
		level.Error(s.logger).Log("msg", "failed to stop delivery server", "err", err)
		return err
	}
	return nil
}
