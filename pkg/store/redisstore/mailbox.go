package redisstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/freeflowuniverse/heromail/pkg/store"
	"github.com/redis/go-redis/v9"
)

// CreateMailbox allocates a mailbox id and claims path for user.
func (s *Store) CreateMailbox(ctx context.Context, user, path string) (*store.Mailbox, error) {
	seq, err := s.client.Incr(ctx, keyMailboxSeq).Result()
	if err != nil {
		return nil, fmt.Errorf("allocate mailbox id: %w", err)
	}
	mb := &store.Mailbox{
		ID:          strconv.FormatInt(seq, 10),
		User:        user,
		Path:        path,
		UIDValidity: uint32(time.Now().Unix()),
		UIDNext:     1,
	}
	if err := s.client.HSet(ctx, mailboxKey(mb.ID), mailboxFields(mb)...).Err(); err != nil {
		return nil, fmt.Errorf("write mailbox %s: %w", mb.ID, err)
	}

	claimed, err := s.client.HSetNX(ctx, userMailboxesKey(user), path, mb.ID).Result()
	if err == nil && !claimed {
		err = store.ErrMailboxExists
	}
	if err != nil {
		s.client.Del(ctx, mailboxKey(mb.ID))
		return nil, err
	}
	return mb, nil
}

// GetMailbox loads a mailbox record.
func (s *Store) GetMailbox(ctx context.Context, id string) (*store.Mailbox, error) {
	fields, err := s.client.HGetAll(ctx, mailboxKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("read mailbox %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNoSuchMailbox
	}
	return parseMailbox(fields), nil
}

// FindMailbox resolves a user's mailbox by path.
func (s *Store) FindMailbox(ctx context.Context, user, path string) (*store.Mailbox, error) {
	id, err := s.client.HGet(ctx, userMailboxesKey(user), path).Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNoSuchMailbox
	}
	if err != nil {
		return nil, fmt.Errorf("find mailbox %q: %w", path, err)
	}
	return s.GetMailbox(ctx, id)
}

// ListMailboxes returns the user's mailboxes ordered by path.
func (s *Store) ListMailboxes(ctx context.Context, user string) ([]*store.Mailbox, error) {
	paths, err := s.client.HGetAll(ctx, userMailboxesKey(user)).Result()
	if err != nil {
		return nil, fmt.Errorf("list mailboxes: %w", err)
	}
	list := make([]*store.Mailbox, 0, len(paths))
	for _, id := range paths {
		mb, err := s.GetMailbox(ctx, id)
		if errors.Is(err, store.ErrNoSuchMailbox) {
			continue
		}
		if err != nil {
			return nil, err
		}
		list = append(list, mb)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Path < list[j].Path })
	return list, nil
}

// RenameMailbox moves a mailbox to a new path of the same user.
func (s *Store) RenameMailbox(ctx context.Context, id, newPath string) error {
	mb, err := s.GetMailbox(ctx, id)
	if err != nil {
		return err
	}
	claimed, err := s.client.HSetNX(ctx, userMailboxesKey(mb.User), newPath, id).Result()
	if err != nil {
		return fmt.Errorf("rename mailbox %s: %w", id, err)
	}
	if !claimed {
		return store.ErrMailboxExists
	}
	if err := s.client.HDel(ctx, userMailboxesKey(mb.User), mb.Path).Err(); err != nil {
		return fmt.Errorf("rename mailbox %s: %w", id, err)
	}
	return s.client.HSet(ctx, mailboxKey(id), "path", newPath).Err()
}

// DeleteMailbox removes the mailbox with its journal and messages.
func (s *Store) DeleteMailbox(ctx context.Context, id string) error {
	mb, err := s.GetMailbox(ctx, id)
	if err != nil {
		return err
	}
	if err := s.client.HDel(ctx, userMailboxesKey(mb.User), mb.Path).Err(); err != nil {
		return fmt.Errorf("delete mailbox %s: %w", id, err)
	}
	keys, err := s.client.ScanKeys(ctx, "msg:"+id+":*")
	if err != nil {
		return fmt.Errorf("delete mailbox %s: %w", id, err)
	}
	keys = append(keys, mailboxKey(id), journalKey(id), uidsKey(id), modseqKey(id))
	return s.client.Del(ctx, keys...).Err()
}

// SetSubscribed updates the subscription flag.
func (s *Store) SetSubscribed(ctx context.Context, id string, subscribed bool) error {
	if err := s.checkMailbox(ctx, id); err != nil {
		return err
	}
	return s.client.HSet(ctx, mailboxKey(id), "subscribed", formatBool(subscribed)).Err()
}

// IncrementModifyIndex reserves n modseq values with HINCRBY.
func (s *Store) IncrementModifyIndex(ctx context.Context, id string, n int64) (uint64, error) {
	if err := s.checkMailbox(ctx, id); err != nil {
		return 0, err
	}
	v, err := s.client.HIncrBy(ctx, mailboxKey(id), "modifyIndex", n).Result()
	if err != nil {
		return 0, fmt.Errorf("increment modifyIndex of %s: %w", id, err)
	}
	return uint64(v), nil
}

// IncrementUIDNext reserves n UIDs and returns the first one.
func (s *Store) IncrementUIDNext(ctx context.Context, id string, n int64) (uint32, error) {
	if err := s.checkMailbox(ctx, id); err != nil {
		return 0, err
	}
	v, err := s.client.HIncrBy(ctx, mailboxKey(id), "uidNext", n).Result()
	if err != nil {
		return 0, fmt.Errorf("increment uidNext of %s: %w", id, err)
	}
	return uint32(v - n), nil
}

// checkMailbox keeps HINCRBY and HSET from resurrecting a deleted mailbox.
func (s *Store) checkMailbox(ctx context.Context, id string) error {
	n, err := s.client.Exists(ctx, mailboxKey(id)).Result()
	if err != nil {
		return fmt.Errorf("check mailbox %s: %w", id, err)
	}
	if n == 0 {
		return store.ErrNoSuchMailbox
	}
	return nil
}

func mailboxFields(mb *store.Mailbox) []interface{} {
	return []interface{}{
		"id", mb.ID,
		"user", mb.User,
		"path", mb.Path,
		"uidValidity", strconv.FormatUint(uint64(mb.UIDValidity), 10),
		"uidNext", strconv.FormatUint(uint64(mb.UIDNext), 10),
		"modifyIndex", strconv.FormatUint(mb.ModifyIndex, 10),
		"subscribed", formatBool(mb.Subscribed),
	}
}

func parseMailbox(fields map[string]string) *store.Mailbox {
	validity, _ := strconv.ParseUint(fields["uidValidity"], 10, 32)
	next, _ := strconv.ParseUint(fields["uidNext"], 10, 32)
	modify, _ := strconv.ParseUint(fields["modifyIndex"], 10, 64)
	return &store.Mailbox{
		ID:          fields["id"],
		User:        fields["user"],
		Path:        fields["path"],
		UIDValidity: uint32(validity),
		UIDNext:     uint32(next),
		ModifyIndex: modify,
		Subscribed:  fields["subscribed"] == "1",
	}
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
