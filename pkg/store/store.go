// Package store defines the storage collaborators of the mail core: a
// mailbox document store with atomic counters, an append-only journal, a
// message collection, a blob store for externalized bodies and a pub/sub
// fabric shared by every server process.
package store

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"time"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrNoSuchMailbox is returned for a mailbox reference that does not exist.
	ErrNoSuchMailbox = errors.New("store: no such mailbox")
	// ErrMailboxExists is returned when creating a mailbox path that is taken.
	ErrMailboxExists = errors.New("store: mailbox already exists")
	// ErrNoSuchMessage is returned for a missing message.
	ErrNoSuchMessage = errors.New("store: no such message")
	// ErrNoSuchBlob is returned for a missing blob.
	ErrNoSuchBlob = errors.New("store: no such blob")
)

// Journal commands.
const (
	CommandExists  = "EXISTS"
	CommandExpunge = "EXPUNGE"
	CommandFetch   = "FETCH"
)

// Mailbox is a mailbox record.
type Mailbox struct {
	ID          string `json:"id"`
	User        string `json:"user"`
	Path        string `json:"path"`
	UIDValidity uint32 `json:"uidValidity"`
	UIDNext     uint32 `json:"uidNext"`
	ModifyIndex uint64 `json:"modifyIndex"`
	Subscribed  bool   `json:"subscribed"`
}

// JournalEntry is one change recorded against a mailbox. Modseq 0 means
// the notifier assigns one.
type JournalEntry struct {
	Command         string    `json:"command"`
	Mailbox         string    `json:"mailbox"`
	UID             uint32    `json:"uid"`
	Modseq          uint64    `json:"modseq"`
	Flags           []string  `json:"flags,omitempty"`
	IgnoreSessionID string    `json:"ignore,omitempty"`
	Message         string    `json:"message,omitempty"`
	Unseen          bool      `json:"unseen,omitempty"`
	Created         time.Time `json:"created"`
}

// MailboxStore holds mailbox records and their counters.
type MailboxStore interface {
	CreateMailbox(ctx context.Context, user, path string) (*Mailbox, error)
	GetMailbox(ctx context.Context, id string) (*Mailbox, error)
	FindMailbox(ctx context.Context, user, path string) (*Mailbox, error)
	ListMailboxes(ctx context.Context, user string) ([]*Mailbox, error)
	RenameMailbox(ctx context.Context, id, newPath string) error
	DeleteMailbox(ctx context.Context, id string) error
	SetSubscribed(ctx context.Context, id string, subscribed bool) error

	// IncrementModifyIndex atomically adds n to the mailbox modifyIndex and
	// returns the new value. The caller owns [v-n+1, v].
	IncrementModifyIndex(ctx context.Context, id string, n int64) (uint64, error)
	// IncrementUIDNext atomically reserves n UIDs and returns the first.
	IncrementUIDNext(ctx context.Context, id string, n int64) (uint32, error)
}

// JournalStore is the append-only change log per mailbox.
type JournalStore interface {
	AppendEntries(ctx context.Context, mailbox string, entries []*JournalEntry) error
	// EntriesSince returns entries with modseq > since in ascending order.
	EntriesSince(ctx context.Context, mailbox string, since uint64) ([]*JournalEntry, error)
}

// MessageStore is the message collection. Messages are opaque JSON
// documents keyed by mailbox and UID.
type MessageStore interface {
	PutMessage(ctx context.Context, mailbox string, uid uint32, doc []byte) error
	GetMessage(ctx context.Context, mailbox string, uid uint32) ([]byte, error)
	ListUIDs(ctx context.Context, mailbox string) ([]uint32, error)
	DeleteMessage(ctx context.Context, mailbox string, uid uint32) error
	// SetMessageModseq advances the stored modseq of a message.
	SetMessageModseq(ctx context.Context, mailbox string, uid uint32, modseq uint64) error
}

// BlobStore stores externalized bodies.
type BlobStore interface {
	// OpenWrite returns a sink for the blob with the given id. Writing an id
	// that already exists adds a reference instead of a second copy.
	OpenWrite(ctx context.Context, id string) (io.WriteCloser, error)
	// OpenRead returns length bytes starting at offset. A negative length
	// reads to the end.
	OpenRead(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error)
	// Reference adds a reference to an existing blob.
	Reference(ctx context.Context, id string) error
	// Delete drops one reference and removes the blob with the last one.
	Delete(ctx context.Context, id string) error
}

// PubSub is the cross-process notification fabric.
type PubSub interface {
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe delivers every payload published on channel to handler
	// until the returned cancel func is called.
	Subscribe(ctx context.Context, channel string, handler func(payload string)) (cancel func(), err error)
}

// ContentID returns the content hash used as blob id.
func ContentID(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}
