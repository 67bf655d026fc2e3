package search

import (
	"context"
	"testing"
	"time"

	"github.com/emersion/go-imap"
	"github.com/freeflowuniverse/heromail/pkg/mail"
	"github.com/freeflowuniverse/heromail/pkg/mimeparser"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rawMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: =?utf-8?q?Quarterly_r=C3=A9sum=C3=A9?=\r\n" +
	"Date: Tue, 05 Mar 2024 23:30:00 -0200\r\n" +
	"Content-Type: multipart/mixed; boundary=b\r\n\r\n" +
	"--b\r\nContent-Type: text/plain\r\n\r\nThe numbers look Good.\r\n" +
	"--b\r\nContent-Type: text/plain\r\nContent-Transfer-Encoding: base64\r\n\r\nc2VjcmV0IHdvcmQ=\r\n" +
	"--b--\r\n"

func newMessage(t *testing.T, uid uint32, indexed bool) *mail.Message {
	msg := &mail.Message{
		UID:          uid,
		Modseq:       uint64(uid) * 10,
		Flags:        []string{imap.SeenFlag},
		InternalDate: time.Date(2024, 3, 6, 1, 0, 0, 0, time.UTC),
		Size:         int64(len(rawMessage)),
	}
	if indexed {
		tree, err := mimeparser.Parse([]byte(rawMessage))
		require.NoError(t, err)
		msg.MimeTree = tree
	} else {
		msg.Raw = []byte(rawMessage)
	}
	return msg
}

func TestConjunction(t *testing.T) {
	msg := newMessage(t, 1, true)
	assert.True(t, Match(msg, []Term{All(), All()}))
	assert.False(t, Match(msg, []Term{All(), Flag("X", true)}))
	assert.True(t, Match(msg, []Term{All(), Flag("X", false)}))
	assert.True(t, Match(msg, nil))
}

func TestMatchTerms(t *testing.T) {
	day := func(y int, m time.Month, d int) time.Time { return time.Date(y, m, d, 0, 0, 0, 0, time.UTC) }

	tests := []struct {
		name string
		term Term
		want bool
	}{
		{"flag present", Flag(imap.SeenFlag, true), true},
		{"flag case sensitive", Flag(`\seen`, true), false},
		{"uid in set", Term{Kind: KindUID, UIDs: NewUIDSet(1, 4)}, true},
		{"uid not in set", Term{Kind: KindUID, UIDs: NewUIDSet(2)}, false},
		{"larger", Term{Kind: KindSize, Op: OpGreater, Number: 10}, true},
		{"smaller", Term{Kind: KindSize, Op: OpLess, Number: 10}, false},
		{"modseq", Term{Kind: KindModseq, Op: OpGreaterEqual, Number: 10}, true},
		{"internaldate on", Term{Kind: KindInternalDate, Op: OpEqual, Date: day(2024, 3, 6)}, true},
		{"internaldate since", Term{Kind: KindInternalDate, Op: OpGreaterEqual, Date: day(2024, 3, 6)}, true},
		{"internaldate before", Term{Kind: KindInternalDate, Op: OpLess, Date: day(2024, 3, 6)}, false},
		{"internaldate strict greater unsupported", Term{Kind: KindInternalDate, Op: OpGreater, Date: day(2024, 3, 1)}, false},
		{"header date is utc normalized", Term{Kind: KindDate, Op: OpEqual, Date: day(2024, 3, 6)}, true},
		{"header date before", Term{Kind: KindDate, Op: OpLess, Date: day(2024, 3, 6)}, false},
		{"header decoded", Term{Kind: KindHeader, Header: "Subject", Value: "résumé"}, true},
		{"header address", Term{Kind: KindHeader, Header: "from", Value: "ALICE@example"}, true},
		{"header presence", Term{Kind: KindHeader, Header: "to"}, true},
		{"header missing", Term{Kind: KindHeader, Header: "cc"}, false},
		{"body", Term{Kind: KindBody, Value: "look good"}, true},
		{"body decoded", Term{Kind: KindBody, Value: "secret word"}, true},
		{"body skips header", Term{Kind: KindBody, Value: "bob@example.com"}, false},
		{"text includes header", Term{Kind: KindText, Value: "bob@example.com"}, true},
		{"or", Or(Flag("X", true), Term{Kind: KindBody, Value: "numbers"}), true},
		{"or none", Or(Flag("X", true), Flag("Y", true)), false},
		{"not", Not(Flag("X", true)), true},
		{"and", And(All(), Flag("X", true)), false},
		{"unknown kind", Term{Kind: "bogus"}, false},
	}

	for _, indexed := range []bool{true, false} {
		msg := newMessage(t, 1, indexed)
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				assert.Equal(t, tt.want, Match(msg, []Term{tt.term}), "indexed=%v", indexed)
			})
		}
	}
}

func TestMatchParsesRawOnce(t *testing.T) {
	msg := newMessage(t, 1, false)
	ev := &evaluation{msg: msg}
	first := ev.mimeTree()
	require.NotNil(t, first)
	assert.Same(t, first, ev.mimeTree())
	assert.Nil(t, msg.MimeTree)
}

func TestFromCriteria(t *testing.T) {
	uids := []uint32{3, 5, 9}
	msgs := []*mail.Message{newMessage(t, 3, true), newMessage(t, 5, true), newMessage(t, 9, true)}
	msgs[1].Flags = nil

	search := func(c *imap.SearchCriteria) []uint32 {
		res, err := Evaluate(context.Background(), msgs, FromCriteria(c, uids))
		require.NoError(t, err)
		return res.UIDs
	}

	all := imap.NewSearchCriteria()
	assert.Equal(t, uids, search(all))

	c := imap.NewSearchCriteria()
	c.SeqNum, _ = imap.ParseSeqSet("2:*")
	assert.Equal(t, []uint32{5, 9}, search(c))

	c = imap.NewSearchCriteria()
	c.Uid, _ = imap.ParseSeqSet("*")
	assert.Equal(t, []uint32{9}, search(c))

	c = imap.NewSearchCriteria()
	c.WithoutFlags = []string{imap.SeenFlag}
	assert.Equal(t, []uint32{5}, search(c))

	c = imap.NewSearchCriteria()
	c.Header.Add("Subject", "quarterly")
	c.Larger = 100
	assert.Equal(t, uids, search(c))

	not := imap.NewSearchCriteria()
	not.Uid, _ = imap.ParseSeqSet("3,9")
	c = imap.NewSearchCriteria()
	c.Not = []*imap.SearchCriteria{not}
	assert.Equal(t, []uint32{5}, search(c))

	left := imap.NewSearchCriteria()
	left.Uid, _ = imap.ParseSeqSet("3")
	right := imap.NewSearchCriteria()
	right.WithoutFlags = []string{imap.SeenFlag}
	c = imap.NewSearchCriteria()
	c.Or = [][2]*imap.SearchCriteria{{left, right}}
	assert.Equal(t, []uint32{3, 5}, search(c))

	c = imap.NewSearchCriteria()
	c.Since = time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	assert.Empty(t, search(c))

	c = imap.NewSearchCriteria()
	c.SentBefore = time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	c.Body = []string{"secret"}
	assert.Equal(t, uids, search(c))
}

func TestEvaluateHighestModseq(t *testing.T) {
	msgs := []*mail.Message{newMessage(t, 1, true), newMessage(t, 2, true), newMessage(t, 3, false)}
	msgs[2].Flags = nil

	res, err := Evaluate(context.Background(), msgs, []Term{Flag(imap.SeenFlag, true)})
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, res.UIDs)
	assert.Equal(t, uint64(20), res.HighestModseq)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Evaluate(ctx, msgs, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
