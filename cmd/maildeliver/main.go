// Command maildeliver hands a message to a heromail delivery listener,
// either read from a file or composed from flags.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"mime"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"
	"github.com/freeflowuniverse/heromail/pkg/logging"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

func main() {
	addr := flag.String("addr", "localhost:2525", "Delivery server address")
	network := flag.String("network", "tcp", "Network of the delivery server, tcp or unix")
	lmtp := flag.Bool("lmtp", true, "Speak LMTP instead of SMTP")
	from := flag.String("from", "sender@example.com", "Sender email address")
	to := flag.String("to", "recipient@localhost", "Recipient email address (comma-separated for multiple)")
	emailFile := flag.String("file", "", "Path to an email file (.eml); composes a message when empty")
	subject := flag.String("subject", "Test Email", "Email subject")
	message := flag.String("message", "This is a test email sent by maildeliver.", "Email message body")
	attachment := flag.String("attachment", "", "Path to file to attach (optional)")
	flag.Parse()

	logger := logging.New(os.Stderr, "logfmt", "info")

	recipients := strings.Split(*to, ",")
	for i, recipient := range recipients {
		recipients[i] = strings.TrimSpace(recipient)
	}

	var data []byte
	var err error
	if *emailFile != "" {
		data, err = os.ReadFile(*emailFile)
	} else {
		data, err = compose(*from, recipients, *subject, *message, *attachment)
	}
	if err != nil {
		level.Error(logger).Log("msg", "failed to prepare message", "err", err)
		os.Exit(1)
	}

	if err := deliver(logger, *network, *addr, *lmtp, *from, recipients, data); err != nil {
		level.Error(logger).Log("msg", "delivery failed", "err", err)
		os.Exit(1)
	}
}

func deliver(logger log.Logger, network, addr string, lmtp bool, from string, to []string, data []byte) error {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", addr, err)
	}
	var c *smtp.Client
	if lmtp {
		c = smtp.NewClientLMTP(conn)
	} else {
		c = smtp.NewClient(conn)
	}
	defer c.Close()

	if err := c.Hello("localhost"); err != nil {
		return err
	}
	if err := c.Mail(from, nil); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return fmt.Errorf("RCPT TO %s: %w", rcpt, err)
		}
	}

	var w io.WriteCloser
	failed := 0
	if lmtp {
		w, err = c.LMTPData(func(rcpt string, status *smtp.SMTPError) {
			if status != nil {
				failed++
				level.Warn(logger).Log("msg", "recipient rejected", "rcpt", rcpt, "status", status.Error())
				return
			}
			level.Info(logger).Log("msg", "delivered", "rcpt", rcpt)
		})
	} else {
		w, err = c.Data()
	}
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d recipients failed", failed, len(to))
	}
	level.Info(logger).Log("msg", "message sent", "from", from, "to", strings.Join(to, ", "), "size", len(data))
	return c.Quit()
}

// compose builds a multipart/mixed message with a text part and an
// optional attachment.
func compose(from string, to []string, subject, body, attachment string) ([]byte, error) {
	var h mail.Header
	h.SetDate(time.Now())
	h.SetSubject(subject)
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	rcpts := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		rcpts = append(rcpts, &mail.Address{Address: addr})
	}
	h.SetAddressList("To", rcpts)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	var th mail.InlineHeader
	th.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	tw, err := mw.CreateSingleInline(th)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(tw, body); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}

	if attachment != "" {
		content, err := os.ReadFile(attachment)
		if err != nil {
			return nil, err
		}
		contentType := mime.TypeByExtension(filepath.Ext(attachment))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		var ah mail.AttachmentHeader
		ah.Set("Content-Type", contentType)
		ah.SetFilename(filepath.Base(attachment))
		aw, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := aw.Write(content); err != nil {
			return nil, err
		}
		if err := aw.Close(); err != nil {
			return nil, err
		}
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
