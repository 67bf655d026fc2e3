package mailstore

import (
	"context"
	"sort"

	"github.com/freeflowuniverse/heromail/pkg/indexer"
	"github.com/freeflowuniverse/heromail/pkg/mail"
	"github.com/freeflowuniverse/heromail/pkg/mimeparser"
	"github.com/freeflowuniverse/heromail/pkg/search"
)

// Tree returns the MIME tree of a message, parsing Raw for messages stored
// without one. It is nil when neither is usable.
func Tree(msg *mail.Message) *mimeparser.Node {
	if msg.MimeTree != nil {
		return msg.MimeTree
	}
	if msg.Raw == nil {
		return nil
	}
	tree, err := mimeparser.Parse(msg.Raw)
	if err != nil {
		return nil
	}
	return tree
}

// Contents returns the bytes a BODY[...] selector addresses, reading
// externalized bodies from the blob store.
func (h *Handler) Contents(ctx context.Context, msg *mail.Message, sel indexer.Selector) (*indexer.Contents, error) {
	tree := Tree(msg)
	if tree == nil {
		return nil, indexer.ErrNotFound
	}
	return indexer.GetContents(ctx, tree, sel, h.blobs)
}

// Search evaluates terms against every message of a mailbox.
func (h *Handler) Search(ctx context.Context, mailbox string, terms []search.Term) (*search.Result, error) {
	msgs, err := h.ListMessages(ctx, mailbox)
	if err != nil {
		return nil, err
	}
	return search.Evaluate(ctx, msgs, terms)
}

func sortedUIDs(uids []uint32) []uint32 {
	out := append([]uint32(nil), uids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
