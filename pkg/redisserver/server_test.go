package redisserver

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) *redis.Client {
	t.Helper()
	s := NewServer(log.NewNopLogger())
	require.NoError(t, s.Start(ServerConfig{Addr: "127.0.0.1:0"}))
	t.Cleanup(func() { s.Close() })

	client := redis.NewClient(&redis.Options{
		Addr:             s.Addr().String(),
		Protocol:         2,
		DisableIndentity: true,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestStrings(t *testing.T) {
	ctx := context.Background()
	c := startServer(t)

	require.NoError(t, c.Ping(ctx).Err())

	require.NoError(t, c.Set(ctx, "k", "hello world", 0).Err())
	v, err := c.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "hello world", v)

	_, err = c.Get(ctx, "missing").Result()
	assert.ErrorIs(t, err, redis.Nil)

	ok, err := c.SetNX(ctx, "k", "other", 0).Result()
	require.NoError(t, err)
	assert.False(t, ok)

	part, err := c.GetRange(ctx, "k", 6, 10).Result()
	require.NoError(t, err)
	assert.Equal(t, "world", part)
	part, err = c.GetRange(ctx, "k", 6, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, "world", part)
	part, err = c.GetRange(ctx, "k", 50, 60).Result()
	require.NoError(t, err)
	assert.Equal(t, "", part)

	n, err := c.Append(ctx, "k", "!").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)
	n, err = c.StrLen(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(12), n)

	vals, err := c.MGet(ctx, "k", "missing").Result()
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"hello world!", nil}, vals)

	i, err := c.IncrBy(ctx, "counter", 5).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(5), i)
	i, err = c.Incr(ctx, "counter").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(6), i)

	n, err = c.Exists(ctx, "k", "counter", "missing").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = c.Del(ctx, "k", "missing").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestHashes(t *testing.T) {
	ctx := context.Background()
	c := startServer(t)

	n, err := c.HSet(ctx, "h", "a", "1", "b", "2").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	ok, err := c.HSetNX(ctx, "h", "a", "x").Result()
	require.NoError(t, err)
	assert.False(t, ok)

	all, err := c.HGetAll(ctx, "h").Result()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	v, err := c.HIncrBy(ctx, "h", "a", 10).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(11), v)
	v, err = c.HIncrBy(ctx, "h", "new", -3).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(-3), v)

	_, err = c.HGet(ctx, "h", "nope").Result()
	assert.ErrorIs(t, err, redis.Nil)

	n, err = c.HDel(ctx, "h", "a", "b", "new").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = c.Exists(ctx, "h").Result()
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, c.Set(ctx, "s", "x", 0).Err())
	err = c.HSet(ctx, "s", "a", "1").Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WRONGTYPE")
}

func TestZAddOptions(t *testing.T) {
	ctx := context.Background()
	c := startServer(t)

	require.NoError(t, c.ZAdd(ctx, "z", redis.Z{Score: 5, Member: "a"}).Err())

	require.NoError(t, c.ZAddGT(ctx, "z", redis.Z{Score: 3, Member: "a"}).Err())
	assert.Equal(t, float64(5), c.ZScore(ctx, "z", "a").Val())
	require.NoError(t, c.ZAddGT(ctx, "z", redis.Z{Score: 9, Member: "a"}).Err())
	assert.Equal(t, float64(9), c.ZScore(ctx, "z", "a").Val())

	require.NoError(t, c.ZAddLT(ctx, "z", redis.Z{Score: 10, Member: "a"}).Err())
	assert.Equal(t, float64(9), c.ZScore(ctx, "z", "a").Val())

	n, err := c.ZAddNX(ctx, "z", redis.Z{Score: 1, Member: "a"}, redis.Z{Score: 1, Member: "b"}).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, float64(9), c.ZScore(ctx, "z", "a").Val())

	n, err = c.ZAddXX(ctx, "z", redis.Z{Score: 2, Member: "b"}, redis.Z{Score: 2, Member: "c"}).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, float64(2), c.ZScore(ctx, "z", "b").Val())
	assert.ErrorIs(t, c.ZScore(ctx, "z", "c").Err(), redis.Nil)

	n, err = c.ZAddArgs(ctx, "z", redis.ZAddArgs{Ch: true, Members: []redis.Z{{Score: 4, Member: "b"}, {Score: 9, Member: "a"}}}).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	// GT on a missing member still adds it
	require.NoError(t, c.ZAddGT(ctx, "fresh", redis.Z{Score: 3, Member: "x"}).Err())
	assert.Equal(t, float64(3), c.ZScore(ctx, "fresh", "x").Val())

	assert.Error(t, c.Do(ctx, "zadd", "z", "nx", "gt", "1", "a").Err())
}

func TestTransactions(t *testing.T) {
	ctx := context.Background()
	c := startServer(t)

	cmds, err := c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, "k", "1", 0)
		p.Incr(ctx, "k")
		p.HIncrBy(ctx, "h", "refs", 3)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, cmds, 3)
	assert.Equal(t, int64(2), cmds[1].(*redis.IntCmd).Val())
	assert.Equal(t, int64(3), cmds[2].(*redis.IntCmd).Val())

	// a write from another client between WATCH and EXEC aborts
	err = c.Watch(ctx, func(tx *redis.Tx) error {
		require.NoError(t, c.Set(ctx, "k", "changed", 0).Err())
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, "k", "tx", 0)
			return nil
		})
		return err
	}, "k")
	assert.ErrorIs(t, err, redis.TxFailedErr)
	assert.Equal(t, "changed", c.Get(ctx, "k").Val())

	// an untouched watched key commits
	err = c.Watch(ctx, func(tx *redis.Tx) error {
		v, err := tx.Get(ctx, "k").Result()
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, "k", v+"!", 0)
			return nil
		})
		return err
	}, "k")
	require.NoError(t, err)
	assert.Equal(t, "changed!", c.Get(ctx, "k").Val())

	assert.Error(t, c.Do(ctx, "exec").Err())
	assert.Error(t, c.Do(ctx, "discard").Err())
}

func TestSortedSets(t *testing.T) {
	ctx := context.Background()
	c := startServer(t)

	require.NoError(t, c.ZAdd(ctx, "z",
		redis.Z{Score: 3, Member: "c"},
		redis.Z{Score: 1, Member: "a"},
		redis.Z{Score: 2, Member: "b"},
	).Err())

	all, err := c.ZRange(ctx, "z", 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, all)

	since, err := c.ZRangeByScore(ctx, "z", &redis.ZRangeBy{Min: "(1", Max: "+inf"}).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, since)

	page, err := c.ZRangeByScore(ctx, "z", &redis.ZRangeBy{Min: "-inf", Max: "+inf", Offset: 1, Count: 1}).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, page)

	n, err := c.ZRem(ctx, "z", "b").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.ZCard(ctx, "z").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	score, err := c.ZScore(ctx, "z", "c").Result()
	require.NoError(t, err)
	assert.Equal(t, float64(3), score)
}

func TestScan(t *testing.T) {
	ctx := context.Background()
	c := startServer(t)

	for _, k := range []string{"msg:1:1", "msg:1:2", "msg:1:3", "msg:2:1"} {
		require.NoError(t, c.Set(ctx, k, "x", 0).Err())
	}

	var found []string
	var cursor uint64
	for {
		keys, next, err := c.Scan(ctx, cursor, "msg:1:*", 2).Result()
		require.NoError(t, err)
		found = append(found, keys...)
		if next == 0 {
			break
		}
		cursor = next
	}
	assert.Equal(t, []string{"msg:1:1", "msg:1:2", "msg:1:3"}, found)

	keys, err := c.Keys(ctx, "msg:2:*").Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"msg:2:1"}, keys)
}

func TestPubSub(t *testing.T) {
	ctx := context.Background()
	c := startServer(t)

	ps := c.Subscribe(ctx, "chan")
	defer ps.Close()
	_, err := ps.Receive(ctx)
	require.NoError(t, err)

	n, err := c.Publish(ctx, "chan", "wake").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	select {
	case msg := <-ps.Channel():
		assert.Equal(t, "wake", msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func TestUnknownCommand(t *testing.T) {
	c := startServer(t)
	err := c.Do(context.Background(), "flushall").Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown command")
}
