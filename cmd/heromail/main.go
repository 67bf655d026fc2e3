package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/freeflowuniverse/heromail/pkg/config"
	"github.com/freeflowuniverse/heromail/pkg/dedupestor"
	"github.com/freeflowuniverse/heromail/pkg/imapserver"
	"github.com/freeflowuniverse/heromail/pkg/indexer"
	"github.com/freeflowuniverse/heromail/pkg/logging"
	"github.com/freeflowuniverse/heromail/pkg/mailstore"
	"github.com/freeflowuniverse/heromail/pkg/notifier"
	"github.com/freeflowuniverse/heromail/pkg/redisclient"
	"github.com/freeflowuniverse/heromail/pkg/redisserver"
	"github.com/freeflowuniverse/heromail/pkg/smtpserver"
	"github.com/freeflowuniverse/heromail/pkg/store/redisstore"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

func main() {
	configFlag := flag.String("config", "", "Path to a TOML configuration file. Defaults apply when empty.")
	loglevelFlag := flag.String("loglevel", "", "Overrides the configured log level.")
	flag.Parse()

	conf, err := config.LoadConfig(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[heromail] %v\n", err)
		os.Exit(1)
	}
	if *loglevelFlag != "" {
		conf.Log.Level = *loglevelFlag
	}

	logger := logging.New(os.Stdout, conf.Log.Format, conf.Log.Level)
	if err := run(conf, logger); err != nil {
		level.Error(logger).Log("msg", "heromail stopped", "err", err)
		os.Exit(1)
	}
}

func run(conf *config.Config, logger log.Logger) error {
	m := NewHeromailMetrics(conf.Metrics.Addr)
	go runPromHTTP(logger, conf.Metrics.Addr)

	redisAddr := conf.Redis.Addr
	if conf.Redis.Embedded {
		srv := redisserver.NewServer(logger)
		if err := srv.Start(redisserver.ServerConfig{Network: conf.Redis.Network, Addr: conf.Redis.Addr}); err != nil {
			return fmt.Errorf("start embedded redis: %w", err)
		}
		defer srv.Close()
		redisAddr = srv.Addr().String()
	}

	rc := redisclient.NewClientWithAddr(conf.Redis.Network, redisAddr, conf.Redis.DB)
	defer rc.Close()
	if err := rc.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("connect to redis at %s: %w", redisAddr, err)
	}
	level.Info(logger).Log("msg", "connected to redis", "addr", redisAddr, "embedded", conf.Redis.Embedded)

	s := redisstore.New(rc)
	n := notifier.New(notifier.Options{
		Mailboxes:      s,
		Journal:        s,
		Messages:       s,
		PubSub:         s,
		Logger:         logger,
		Metrics:        m.Notifier,
		DebounceWindow: conf.Notify.DebounceWindow.Duration,
		HoldOff:        conf.Notify.HoldOff.Duration,
	})
	defer n.Close()

	handler := mailstore.New(mailstore.Options{
		Mailboxes: s,
		Messages:  s,
		Blobs:     dedupestor.New(dedupestor.NewArgs{Client: rc, MaxValueSize: conf.Storage.MaxBlobSize}),
		Notifier:  n,
		Logger:    logger,
		Metrics:   m.Mailstore,
		Externalize: indexer.ExternalizeOptions{
			Threshold:    conf.Storage.ExternalizeThreshold,
			ReflowFlowed: conf.Storage.ReflowFlowed,
		},
	})

	imapSrv := imapserver.NewServer(handler, imapserver.Config{
		Addr:              conf.IMAP.Addr,
		AllowInsecureAuth: conf.IMAP.AllowInsecureAuth,
		UpperCaseKeys:     conf.IMAP.UpperCaseKeys,
	}, logger)

	smtpSrv := smtpserver.NewServer(handler, smtpserver.Config{
		Network:         conf.SMTP.Network,
		Addr:            conf.SMTP.Addr,
		Domain:          conf.SMTP.Domain,
		LMTP:            conf.SMTP.LMTP,
		ReadTimeout:     conf.SMTP.ReadTimeout.Duration,
		WriteTimeout:    conf.SMTP.WriteTimeout.Duration,
		MaxMessageBytes: conf.SMTP.MaxMessageBytes,
		MaxRecipients:   conf.SMTP.MaxRecipients,
	}, logger, m.Delivery)

	errs := make(chan error, 2)
	go func() { errs <- fmt.Errorf("imap: %w", imapSrv.Start()) }()
	go func() { errs <- fmt.Errorf("delivery: %w", smtpSrv.Start()) }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		level.Info(logger).Log("msg", "shutting down", "signal", sig.String())
		err := smtpSrv.Stop()
		if cerr := imapSrv.Close(); err == nil {
			err = cerr
		}
		return err
	case err := <-errs:
		smtpSrv.Stop()
		imapSrv.Close()
		return err
	}
}
