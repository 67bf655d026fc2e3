package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/freeflowuniverse/heromail/pkg/store"
	"github.com/redis/go-redis/v9"
)

// AppendEntries adds entries to the mailbox journal. Entries must carry
// their modseq.
func (s *Store) AppendEntries(ctx context.Context, mailbox string, entries []*store.JournalEntry) error {
	if len(entries) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(entries))
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode journal entry: %w", err)
		}
		members = append(members, redis.Z{Score: float64(e.Modseq), Member: string(data)})
	}
	if err := s.client.ZAdd(ctx, journalKey(mailbox), members...).Err(); err != nil {
		return fmt.Errorf("append journal of %s: %w", mailbox, err)
	}
	return nil
}

// EntriesSince returns the entries with modseq > since in ascending order.
func (s *Store) EntriesSince(ctx context.Context, mailbox string, since uint64) ([]*store.JournalEntry, error) {
	raw, err := s.client.ZRangeByScore(ctx, journalKey(mailbox), &redis.ZRangeBy{
		Min: "(" + strconv.FormatUint(since, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("read journal of %s: %w", mailbox, err)
	}
	entries := make([]*store.JournalEntry, 0, len(raw))
	for _, r := range raw {
		var e store.JournalEntry
		if err := json.Unmarshal([]byte(r), &e); err != nil {
			return nil, fmt.Errorf("decode journal entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}
