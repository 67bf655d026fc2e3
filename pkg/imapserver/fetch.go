package imapserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/freeflowuniverse/heromail/pkg/indexer"
	"github.com/freeflowuniverse/heromail/pkg/mail"
	"github.com/freeflowuniverse/heromail/pkg/mailstore"
	"github.com/freeflowuniverse/heromail/pkg/mimeparser"
)

// fetch converts a stored message to an imap.Message
func (b *Backend) fetch(ctx context.Context, msg *mail.Message, seqNum uint32, items []imap.FetchItem) (*imap.Message, error) {
	out := imap.NewMessage(seqNum, items)
	tree := mailstore.Tree(msg)

	for _, item := range items {
		switch item {
		case imap.FetchEnvelope:
			fields := msg.Envelope
			if fields == nil && tree != nil {
				fields = indexer.BuildEnvelope(tree.ParsedHeader)
			}
			out.Envelope = &imap.Envelope{}
			if err := out.Envelope.Parse(fields); err != nil {
				return nil, fmt.Errorf("envelope of %d: %w", msg.UID, err)
			}
		case imap.FetchBody, imap.FetchBodyStructure:
			fields := b.structure(msg, tree, item == imap.FetchBody)
			out.BodyStructure = &imap.BodyStructure{Extended: item == imap.FetchBodyStructure}
			if err := out.BodyStructure.Parse(fields); err != nil {
				return nil, fmt.Errorf("body structure of %d: %w", msg.UID, err)
			}
		case imap.FetchFlags:
			out.Flags = msg.Flags
			if out.Flags == nil {
				out.Flags = []string{}
			}
		case imap.FetchInternalDate:
			out.InternalDate = msg.InternalDate
		case imap.FetchRFC822Size:
			out.Size = uint32(msg.Size)
		case imap.FetchUid:
			out.Uid = msg.UID
		default:
			// Handle section fetch (BODY[...], BODY.PEEK[...], RFC822*)
			section, err := imap.ParseBodySectionName(item)
			if err != nil {
				continue
			}
			literal, err := b.section(ctx, msg, section)
			if err != nil {
				return nil, err
			}
			out.Body[section] = literal
		}
	}
	return out, nil
}

// structure rebuilds BODY or BODYSTRUCTURE with the server's rendering
// options, falling back to the stored arrays for unindexed messages.
func (b *Backend) structure(msg *mail.Message, tree *mimeparser.Node, body bool) []interface{} {
	if tree == nil {
		if body {
			return msg.Body
		}
		return msg.BodyStructure
	}
	opts := b.structOpts
	opts.Body = body
	return indexer.BuildStructure(tree, opts)
}

// section reads a body section. A part that does not exist yields an
// empty literal.
func (b *Backend) section(ctx context.Context, msg *mail.Message, section *imap.BodySectionName) (imap.Literal, error) {
	sel := indexer.Selector{Path: section.Path}
	switch section.Specifier {
	case imap.EntireSpecifier:
		sel.Type = indexer.SelectContent
	case imap.TextSpecifier:
		sel.Type = indexer.SelectText
	case imap.MIMESpecifier:
		sel.Type = indexer.SelectMIME
	case imap.HeaderSpecifier:
		sel.Type = indexer.SelectHeader
		if section.Fields != nil {
			sel.Type = indexer.SelectHeaderFields
			if section.NotFields {
				sel.Type = indexer.SelectHeaderFieldsNot
			}
			for _, f := range section.Fields {
				sel.Headers = append(sel.Headers, strings.ToLower(f))
			}
		}
	}
	if len(section.Partial) > 0 {
		sel.Partial = &indexer.Partial{Start: int64(section.Partial[0]), Length: -1}
		if len(section.Partial) > 1 {
			sel.Partial.Length = int64(section.Partial[1])
		}
	}

	contents, err := b.handler.Contents(ctx, msg, sel)
	if errors.Is(err, indexer.ErrNotFound) {
		return bytes.NewReader(nil), nil
	}
	if err != nil {
		return nil, err
	}
	if contents.Size > b.streamThreshold {
		return &streamLiteral{rc: contents.Reader, size: int(contents.Size)}, nil
	}
	defer contents.Reader.Close()

	buf := bytes.NewBuffer(make([]byte, 0, contents.Size))
	if _, err := io.Copy(buf, contents.Reader); err != nil {
		return nil, fmt.Errorf("read section of %d: %w", msg.UID, err)
	}
	return buf, nil
}

// streamLiteral hands a section stream to the response writer. It closes
// the stream once drained. A stream the writer abandons is released when
// the session context ends.
type streamLiteral struct {
	rc   io.ReadCloser
	size int
}

func (l *streamLiteral) Len() int { return l.size }

func (l *streamLiteral) Read(p []byte) (int, error) {
	n, err := l.rc.Read(p)
	if err != nil {
		l.rc.Close()
	}
	return n, err
}
