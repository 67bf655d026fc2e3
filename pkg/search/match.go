package search

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/freeflowuniverse/heromail/pkg/indexer"
	"github.com/freeflowuniverse/heromail/pkg/mail"
	"github.com/freeflowuniverse/heromail/pkg/mimeparser"
)

// Match reports whether msg satisfies every term. Terms are evaluated
// left to right and evaluation stops at the first failing one. A message
// stored without a tree is parsed from Raw once, on first need.
func Match(msg *mail.Message, terms []Term) bool {
	ev := &evaluation{msg: msg}
	return ev.all(terms)
}

// Result is the outcome of a search over a mailbox.
type Result struct {
	UIDs          []uint32
	HighestModseq uint64
}

// Evaluate matches every message and collects the matching UIDs in input
// order with the highest modseq among them.
func Evaluate(ctx context.Context, msgs []*mail.Message, terms []Term) (*Result, error) {
	res := &Result{}
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !Match(msg, terms) {
			continue
		}
		res.UIDs = append(res.UIDs, msg.UID)
		if msg.Modseq > res.HighestModseq {
			res.HighestModseq = msg.Modseq
		}
	}
	return res, nil
}

// evaluation memoizes parsed and rendered content for one message.
type evaluation struct {
	msg *mail.Message

	tree     *mimeparser.Node
	parsed   bool
	source   *string
	body     *string
	textOnly *string
}

func (ev *evaluation) all(terms []Term) bool {
	for i := range terms {
		if !ev.match(&terms[i]) {
			return false
		}
	}
	return true
}

func (ev *evaluation) match(t *Term) bool {
	switch t.Kind {
	case KindAll:
		return true
	case KindAnd:
		return ev.all(t.Terms)
	case KindOr:
		for i := range t.Terms {
			if ev.match(&t.Terms[i]) {
				return true
			}
		}
		return false
	case KindNot:
		if len(t.Terms) == 0 {
			return false
		}
		return !ev.match(&t.Terms[0])
	case KindFlag:
		return ev.msg.HasFlag(t.Flag) == t.Exists
	case KindUID:
		return t.UIDs.Contains(ev.msg.UID)
	case KindSize:
		return compareNumber(uint64(ev.msg.Size), t.Op, t.Number)
	case KindModseq:
		return compareNumber(ev.msg.Modseq, t.Op, t.Number)
	case KindInternalDate:
		return compareDay(ev.msg.InternalDate, t.Op, t.Date)
	case KindDate:
		date, ok := ev.headerDate()
		return ok && compareDay(date, t.Op, t.Date)
	case KindHeader:
		return ev.matchHeader(t.Header, t.Value)
	case KindBody:
		return strings.Contains(ev.bodyText(), strings.ToLower(t.Value))
	case KindText:
		return strings.Contains(ev.sourceText(), strings.ToLower(t.Value))
	}
	return false
}

func compareNumber(v uint64, op string, want uint64) bool {
	switch op {
	case OpLess:
		return v < want
	case OpLessEqual:
		return v <= want
	case OpEqual, "":
		return v == want
	case OpGreater:
		return v > want
	case OpGreaterEqual:
		return v >= want
	}
	return false
}

// compareDay compares calendar days in UTC. Only <, = and >= exist for
// dates; any other operator never matches.
func compareDay(v time.Time, op string, want time.Time) bool {
	if v.IsZero() {
		return false
	}
	a, b := day(v), day(want)
	switch op {
	case OpLess:
		return a.Before(b)
	case OpEqual:
		return a.Equal(b)
	case OpGreaterEqual:
		return !a.Before(b)
	}
	return false
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func (ev *evaluation) mimeTree() *mimeparser.Node {
	if ev.parsed {
		return ev.tree
	}
	ev.parsed = true
	ev.tree = ev.msg.MimeTree
	if ev.tree == nil && ev.msg.Raw != nil {
		if tree, err := mimeparser.Parse(ev.msg.Raw); err == nil {
			ev.tree = tree
		}
	}
	return ev.tree
}

func (ev *evaluation) headerDate() (time.Time, bool) {
	if !ev.msg.HeaderDate.IsZero() {
		return ev.msg.HeaderDate, true
	}
	tree := ev.mimeTree()
	if tree == nil || !tree.ParsedHeader.Has("date") {
		return time.Time{}, false
	}
	date, err := mimeparser.ParseDate(tree.ParsedHeader.Get("date"))
	if err != nil {
		return time.Time{}, false
	}
	return date, true
}

// matchHeader does a case-insensitive substring match on the decoded
// header value. An empty value only checks that the header exists.
func (ev *evaluation) matchHeader(name, value string) bool {
	tree := ev.mimeTree()
	if tree == nil {
		return false
	}
	hv, ok := tree.ParsedHeader[strings.ToLower(name)]
	if !ok {
		return false
	}
	if value == "" {
		return true
	}
	needle := strings.ToLower(value)

	var candidates []string
	if hv.Kind == mimeparser.KindAddresses {
		for _, a := range hv.Addresses {
			candidates = append(candidates, addressText(a))
		}
	} else {
		candidates = hv.All()
	}
	for _, c := range candidates {
		if strings.Contains(strings.ToLower(mimeparser.DecodeWordsOrRaw(c)), needle) {
			return true
		}
	}
	return false
}

func addressText(a mimeparser.Address) string {
	if !a.IsGroup {
		return mimeparser.DecodeWordsOrRaw(a.Name) + " <" + a.Address + ">"
	}
	parts := []string{a.Name}
	for _, m := range a.Group {
		parts = append(parts, addressText(m))
	}
	return strings.Join(parts, " ")
}

// sourceText is the lower-cased raw message including headers, plus the
// decoded text parts.
func (ev *evaluation) sourceText() string {
	if ev.source != nil {
		return *ev.source
	}
	var s string
	if ev.msg.Raw != nil {
		s = string(ev.msg.Raw)
	} else {
		s = ev.render(false)
	}
	s = strings.ToLower(s + "\n" + ev.decodedText())
	ev.source = &s
	return s
}

// bodyText is the lower-cased part after the header, plus the decoded
// text parts.
func (ev *evaluation) bodyText() string {
	if ev.body != nil {
		return *ev.body
	}
	s := strings.ToLower(ev.render(true) + "\n" + ev.decodedText())
	ev.body = &s
	return s
}

func (ev *evaluation) decodedText() string {
	if ev.textOnly != nil {
		return *ev.textOnly
	}
	var s string
	if tree := ev.mimeTree(); tree != nil {
		text, html := indexer.GetTextContent(tree, false)
		s = strings.Join(append(text, html...), "\n")
	}
	ev.textOnly = &s
	return s
}

// render rebuilds the message from its tree without touching the blob
// store. Externalized parts are represented by their decoded text.
func (ev *evaluation) render(textOnly bool) string {
	tree := ev.mimeTree()
	if tree == nil {
		return ""
	}
	rc := indexer.Rebuild(context.Background(), tree, textOnly, true, nil)
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	return string(data)
}
