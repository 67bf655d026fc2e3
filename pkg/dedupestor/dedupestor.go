// Package dedupestor provides a blob store with deduplication based on content hashing
package dedupestor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/freeflowuniverse/heromail/pkg/redisclient"
	"github.com/freeflowuniverse/heromail/pkg/store"
	"github.com/redis/go-redis/v9"
)

// DefaultMaxValueSize is the largest blob accepted by default (64MiB)
const DefaultMaxValueSize = 64 * 1024 * 1024

// DefaultChunkSize is the GETRANGE read size.
const DefaultChunkSize = 256 * 1024

var (
	// ErrTooLarge is returned when a blob exceeds the configured maximum.
	ErrTooLarge = errors.New("dedupestor: value size exceeds maximum")
	// ErrHashMismatch is returned when written content does not hash to its id.
	ErrHashMismatch = errors.New("dedupestor: content does not match id")
)

// DedupeStore keeps one copy per content hash in Redis with a reference
// count. Data lives at blob:<hash>, metadata at blobmeta:<hash>.
type DedupeStore struct {
	client       *redisclient.Client
	maxValueSize int64
	chunkSize    int64
}

var _ store.BlobStore = (*DedupeStore)(nil)

// NewArgs contains arguments for creating a new DedupeStore
type NewArgs struct {
	Client       *redisclient.Client
	MaxValueSize int64 // 0 means DefaultMaxValueSize
	ChunkSize    int64 // 0 means DefaultChunkSize
}

// New creates a new deduplication store
func New(args NewArgs) *DedupeStore {
	ds := &DedupeStore{
		client:       args.Client,
		maxValueSize: args.MaxValueSize,
		chunkSize:    args.ChunkSize,
	}
	if ds.maxValueSize <= 0 {
		ds.maxValueSize = DefaultMaxValueSize
	}
	if ds.chunkSize <= 0 {
		ds.chunkSize = DefaultChunkSize
	}
	return ds
}

func blobKey(id string) string { return "blob:" + id }
func metaKey(id string) string { return "blobmeta:" + id }

// Store stores data and returns its id. If the content already exists only
// its reference count grows.
func (ds *DedupeStore) Store(ctx context.Context, data []byte) (string, error) {
	id := store.ContentID(data)
	return id, ds.put(ctx, id, data)
}

func (ds *DedupeStore) put(ctx context.Context, id string, data []byte) error {
	if int64(len(data)) > ds.maxValueSize {
		return ErrTooLarge
	}
	if store.ContentID(data) != id {
		return ErrHashMismatch
	}

	now := strconv.FormatInt(time.Now().Unix(), 10)
	_, err := ds.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SetNX(ctx, blobKey(id), data, 0)
		p.HSetNX(ctx, metaKey(id), "size", strconv.Itoa(len(data)))
		p.HSetNX(ctx, metaKey(id), "created", now)
		p.HIncrBy(ctx, metaKey(id), "refs", 1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("store blob %s: %w", id, err)
	}
	return nil
}

// OpenWrite buffers the blob and stores it on Close.
func (ds *DedupeStore) OpenWrite(ctx context.Context, id string) (io.WriteCloser, error) {
	return &blobWriter{ctx: ctx, ds: ds, id: id}, nil
}

type blobWriter struct {
	ctx    context.Context
	ds     *DedupeStore
	id     string
	buf    bytes.Buffer
	closed bool
}

func (w *blobWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("dedupestor: write on closed blob")
	}
	if int64(w.buf.Len()+len(p)) > w.ds.maxValueSize {
		return 0, ErrTooLarge
	}
	return w.buf.Write(p)
}

func (w *blobWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.ds.put(w.ctx, w.id, w.buf.Bytes())
}

// Metadata returns the blob metadata or store.ErrNoSuchBlob.
func (ds *DedupeStore) Metadata(ctx context.Context, id string) (Metadata, error) {
	fields, err := ds.client.HGetAll(ctx, metaKey(id)).Result()
	if err != nil {
		return Metadata{}, fmt.Errorf("read blob %s: %w", id, err)
	}
	meta, ok := metadataFromFields(id, fields)
	if !ok {
		return Metadata{}, store.ErrNoSuchBlob
	}
	return meta, nil
}

// Exists checks if a blob with the given id exists
func (ds *DedupeStore) Exists(ctx context.Context, id string) (bool, error) {
	n, err := ds.client.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// OpenRead streams length bytes from offset in GETRANGE chunks. A negative
// length reads to the end. The window is clamped to the blob size.
func (ds *DedupeStore) OpenRead(ctx context.Context, id string, offset, length int64) (io.ReadCloser, error) {
	sizeStr, err := ds.client.HGet(ctx, metaKey(id), "size").Result()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNoSuchBlob
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: bad size %q", id, sizeStr)
	}

	offset = min(max(offset, 0), size)
	end := size
	if length >= 0 && offset+length < size {
		end = offset + length
	}
	return &rangeReader{ctx: ctx, ds: ds, key: blobKey(id), pos: offset, end: end}, nil
}

type rangeReader struct {
	ctx      context.Context
	ds       *DedupeStore
	key      string
	pos, end int64
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.pos >= r.end {
		return 0, io.EOF
	}
	n := min(int64(len(p)), r.ds.chunkSize, r.end-r.pos)
	data, err := r.ds.client.GetRange(r.ctx, r.key, r.pos, r.pos+n-1).Bytes()
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, io.ErrUnexpectedEOF
	}
	copy(p, data)
	r.pos += int64(len(data))
	return len(data), nil
}

func (r *rangeReader) Close() error {
	r.pos = r.end
	return nil
}

// Reference adds a reference to a stored blob, for a copied message.
func (ds *DedupeStore) Reference(ctx context.Context, id string) error {
	err := ds.update(ctx, id, func(tx *redis.Tx, refs int64) error {
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HIncrBy(ctx, metaKey(id), "refs", 1)
			return nil
		})
		return err
	})
	if err != nil && !errors.Is(err, store.ErrNoSuchBlob) {
		return fmt.Errorf("reference blob %s: %w", id, err)
	}
	return err
}

// Delete drops one reference. The last reference removes the data.
func (ds *DedupeStore) Delete(ctx context.Context, id string) error {
	err := ds.update(ctx, id, func(tx *redis.Tx, refs int64) error {
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			if refs > 1 {
				p.HIncrBy(ctx, metaKey(id), "refs", -1)
			} else {
				p.Del(ctx, blobKey(id), metaKey(id))
			}
			return nil
		})
		return err
	})
	if err != nil && !errors.Is(err, store.ErrNoSuchBlob) {
		return fmt.Errorf("delete blob %s: %w", id, err)
	}
	return err
}

// maxUpdateRetries bounds the optimistic retries of a reference update.
const maxUpdateRetries = 32

// update runs fn with the current reference count while the metadata key
// is watched, retrying when another client changed it first.
func (ds *DedupeStore) update(ctx context.Context, id string, fn func(tx *redis.Tx, refs int64) error) error {
	for i := 0; i < maxUpdateRetries; i++ {
		err := ds.client.Watch(ctx, func(tx *redis.Tx) error {
			refs, err := tx.HGet(ctx, metaKey(id), "refs").Int64()
			if errors.Is(err, redis.Nil) {
				return store.ErrNoSuchBlob
			}
			if err != nil {
				return err
			}
			return fn(tx, refs)
		}, metaKey(id))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("blob %s: too much contention", id)
}
