// Package redisstore implements the store interfaces on Redis.
//
// Key layout:
//
//	mailbox:next             INCR counter for mailbox ids
//	mailbox:<id>             hash with the mailbox record and its counters
//	user:<user>:mailboxes    hash path -> mailbox id
//	journal:<id>             sorted set of JSON entries scored by modseq
//	uids:<id>                sorted set of message UIDs
//	msg:<id>:<uid>           message document
//	modseq:<id>              sorted set of message UIDs scored by stamped modseq
package redisstore

import (
	"strconv"

	"github.com/freeflowuniverse/heromail/pkg/redisclient"
	"github.com/freeflowuniverse/heromail/pkg/store"
)

const keyMailboxSeq = "mailbox:next"

func mailboxKey(id string) string { return "mailbox:" + id }
func userMailboxesKey(user string) string { return "user:" + user + ":mailboxes" }
func journalKey(id string) string { return "journal:" + id }
func uidsKey(id string) string { return "uids:" + id }
func modseqKey(id string) string { return "modseq:" + id }
func messageKey(id string, uid uint32) string {
	return "msg:" + id + ":" + strconv.FormatUint(uint64(uid), 10)
}

// Store is the Redis implementation of the mailbox, journal, message and
// pub/sub collaborators.
type Store struct {
	client *redisclient.Client
}

var (
	_ store.MailboxStore = (*Store)(nil)
	_ store.JournalStore = (*Store)(nil)
	_ store.MessageStore = (*Store)(nil)
	_ store.PubSub       = (*Store)(nil)
)

// New returns a store backed by client.
func New(client *redisclient.Client) *Store {
	return &Store{client: client}
}
