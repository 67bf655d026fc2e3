package imapserver

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/freeflowuniverse/heromail/pkg/mail"
	"github.com/freeflowuniverse/heromail/pkg/mailstore"
	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// largeMessage carries an attachment above the externalize threshold.
func largeMessage() string {
	line := strings.Repeat("QUJD", 19) + "\r\n"
	return "From: alice@example.com\r\n" +
		"Subject: scans\r\n" +
		"MIME-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"sep\"\r\n" +
		"\r\n" +
		"--sep\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"hello\r\n" +
		"--sep\r\n" +
		"Content-Type: image/tiff\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		strings.Repeat(line, 6000) +
		"--sep--\r\n"
}

func appendLarge(t *testing.T, h *mailstore.Handler, raw string) *mail.Message {
	t.Helper()
	ctx := context.Background()
	mb, err := h.EnsureMailbox(ctx, "jan", "INBOX")
	require.NoError(t, err)
	msg, err := h.AppendTo(ctx, mb, []byte(raw), nil, time.Time{})
	require.NoError(t, err)
	require.NotEmpty(t, msg.Attachments)
	return msg
}

func TestLargeSectionStreams(t *testing.T) {
	ctx := context.Background()
	h := newHandler(t)
	b := NewBackend(h, log.NewNopLogger(), false)
	b.streamThreshold = 1024

	raw := largeMessage()
	msg := appendLarge(t, h, raw)

	lit, err := b.section(ctx, msg, &imap.BodySectionName{})
	require.NoError(t, err)
	stream, ok := lit.(*streamLiteral)
	require.True(t, ok, "large section should stream")
	assert.Equal(t, len(raw), stream.Len())
	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	assert.Equal(t, raw, string(data))

	lit, err = b.section(ctx, msg, &imap.BodySectionName{BodyPartName: imap.BodyPartName{Path: []int{1}}})
	require.NoError(t, err)
	_, ok = lit.(*streamLiteral)
	assert.False(t, ok)
	data, err = io.ReadAll(lit)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestAbandonedStreamEndsWithSession(t *testing.T) {
	h := newHandler(t)
	b := NewBackend(h, log.NewNopLogger(), false)
	b.streamThreshold = 1024

	u, err := b.Login(nil, "jan", "password")
	require.NoError(t, err)
	user := u.(*User)
	msg := appendLarge(t, h, largeMessage())

	part := &imap.BodySectionName{BodyPartName: imap.BodyPartName{Path: []int{2}}}
	lit, err := b.section(user.ctx, msg, part)
	require.NoError(t, err)
	head := make([]byte, 16)
	_, err = io.ReadFull(lit, head)
	require.NoError(t, err)
	assert.Equal(t, "QUJDQUJDQUJDQUJD", string(head))

	require.NoError(t, user.Logout())
	_, err = io.ReadAll(lit)
	assert.Error(t, err)
}
