package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/freeflowuniverse/heromail/pkg/store"
	"github.com/redis/go-redis/v9"
)

// PutMessage stores a message document and indexes its UID.
func (s *Store) PutMessage(ctx context.Context, mailbox string, uid uint32, doc []byte) error {
	if err := s.client.Set(ctx, messageKey(mailbox, uid), doc, 0).Err(); err != nil {
		return fmt.Errorf("store message %s/%d: %w", mailbox, uid, err)
	}
	member := strconv.FormatUint(uint64(uid), 10)
	if err := s.client.ZAdd(ctx, uidsKey(mailbox), redis.Z{Score: float64(uid), Member: member}).Err(); err != nil {
		return fmt.Errorf("index message %s/%d: %w", mailbox, uid, err)
	}
	return nil
}

// GetMessage loads a message document. A modseq stamped after the
// document was written replaces its "modseq" field.
func (s *Store) GetMessage(ctx context.Context, mailbox string, uid uint32) ([]byte, error) {
	var (
		doc    *redis.StringCmd
		stamp  *redis.FloatCmd
		member = strconv.FormatUint(uint64(uid), 10)
	)
	_, err := s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		doc = p.Get(ctx, messageKey(mailbox, uid))
		stamp = p.ZScore(ctx, modseqKey(mailbox), member)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load message %s/%d: %w", mailbox, uid, err)
	}
	raw, err := doc.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNoSuchMessage
	}
	if err != nil {
		return nil, fmt.Errorf("load message %s/%d: %w", mailbox, uid, err)
	}
	modseq, err := stamp.Result()
	if errors.Is(err, redis.Nil) {
		return raw, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load modseq of %s/%d: %w", mailbox, uid, err)
	}
	return mergeModseq(raw, uint64(modseq))
}

// mergeModseq raises the top-level "modseq" field of doc to modseq.
func mergeModseq(doc []byte, modseq uint64) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	var current uint64
	if raw, ok := fields["modseq"]; ok {
		_ = json.Unmarshal(raw, &current)
	}
	if current >= modseq {
		return doc, nil
	}
	fields["modseq"] = json.RawMessage(strconv.FormatUint(modseq, 10))
	return json.Marshal(fields)
}

// ListUIDs returns the mailbox UIDs in ascending order.
func (s *Store) ListUIDs(ctx context.Context, mailbox string) ([]uint32, error) {
	members, err := s.client.ZRange(ctx, uidsKey(mailbox), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", mailbox, err)
	}
	uids := make([]uint32, 0, len(members))
	for _, m := range members {
		uid, err := strconv.ParseUint(m, 10, 32)
		if err != nil {
			continue
		}
		uids = append(uids, uint32(uid))
	}
	return uids, nil
}

// DeleteMessage removes a message document, its UID and its modseq stamp.
func (s *Store) DeleteMessage(ctx context.Context, mailbox string, uid uint32) error {
	n, err := s.client.Del(ctx, messageKey(mailbox, uid)).Result()
	if err != nil {
		return fmt.Errorf("delete message %s/%d: %w", mailbox, uid, err)
	}
	member := strconv.FormatUint(uint64(uid), 10)
	if err := s.client.ZRem(ctx, uidsKey(mailbox), member).Err(); err != nil {
		return fmt.Errorf("delete message %s/%d: %w", mailbox, uid, err)
	}
	if err := s.client.ZRem(ctx, modseqKey(mailbox), member).Err(); err != nil {
		return fmt.Errorf("delete message %s/%d: %w", mailbox, uid, err)
	}
	if n == 0 {
		return store.ErrNoSuchMessage
	}
	return nil
}

// SetMessageModseq records modseq for the message when it is higher than
// the one recorded. The stamp lives beside the document, so it never
// overwrites fields written by a concurrent PutMessage.
func (s *Store) SetMessageModseq(ctx context.Context, mailbox string, uid uint32, modseq uint64) error {
	n, err := s.client.Exists(ctx, messageKey(mailbox, uid)).Result()
	if err != nil {
		return fmt.Errorf("stamp message %s/%d: %w", mailbox, uid, err)
	}
	if n == 0 {
		return store.ErrNoSuchMessage
	}
	err = s.client.ZAddGT(ctx, modseqKey(mailbox), redis.Z{
		Score:  float64(modseq),
		Member: strconv.FormatUint(uint64(uid), 10),
	}).Err()
	if err != nil {
		return fmt.Errorf("stamp message %s/%d: %w", mailbox, uid, err)
	}
	return nil
}
