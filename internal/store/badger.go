package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"math"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/rotisserie/eris"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

// Key layout: 'r' | chunkStart (unix seconds) | timestamp (unix µs) | lat bits | lon bits.
// Every key of a chunk shares the first 9 bytes, so a chunk is dropped as one prefix.
const (
	readingPrefix = 'r'
	chunkKeyLen   = 1 + 8
	readingKeyLen = chunkKeyLen + 8 + 8 + 8
)

// ErrCorruptKey aborts any operation that meets a key outside the layout
var ErrCorruptKey = eris.New("corrupt reading key")

// BadgerConfig holds BadgerDB reading store configuration
type BadgerConfig struct {
	// Path to store database files
	Path string
	// InMemory mode (for testing)
	InMemory bool
	// ChunkWidth is the time partition width; zero means one day
	ChunkWidth time.Duration
	Policy     ConflictPolicy
	// MaxMemoryMB bounds memtable and cache sizes; zero keeps a small default
	MaxMemoryMB int64
}

// BadgerStore is a durable chunked reading store on BadgerDB
type BadgerStore struct {
	db     *badger.DB
	width  time.Duration
	policy ConflictPolicy
}

// NewBadgerStore opens (or creates) a BadgerDB-backed store
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Path).WithLogger(nil)
	if cfg.InMemory {
		opts = opts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	memTableSize := int64(16 << 20)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB << 20 / 3
	}
	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithBlockCacheSize(memTableSize / 2).
		WithIndexCacheSize(memTableSize / 4).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, eris.Wrap(err, "store: open badger")
	}

	width := cfg.ChunkWidth
	if width <= 0 {
		width = DefaultChunkWidth
	}
	policy := cfg.Policy
	if policy == "" {
		policy = LastWriteWins
	}

	return &BadgerStore{db: db, width: width, policy: policy}, nil
}

func chunkPrefix(start time.Time) []byte {
	key := make([]byte, chunkKeyLen)
	key[0] = readingPrefix
	binary.BigEndian.PutUint64(key[1:9], uint64(start.Unix()))
	return key
}

func readingKey(start time.Time, r *model.Reading) []byte {
	key := make([]byte, readingKeyLen)
	copy(key, chunkPrefix(start))
	binary.BigEndian.PutUint64(key[9:17], uint64(r.Timestamp.UnixMicro()))
	binary.BigEndian.PutUint64(key[17:25], math.Float64bits(r.Latitude))
	binary.BigEndian.PutUint64(key[25:33], math.Float64bits(r.Longitude))
	return key
}

// seekKey returns the first possible key of a chunk at or after the given timestamp
func seekKey(start time.Time, ts time.Time) []byte {
	key := make([]byte, chunkKeyLen+8)
	copy(key, chunkPrefix(start))
	binary.BigEndian.PutUint64(key[9:17], uint64(ts.UnixMicro()))
	return key
}

func parseChunkStart(key []byte) (time.Time, error) {
	if len(key) != readingKeyLen || key[0] != readingPrefix {
		return time.Time{}, ErrCorruptKey
	}
	return time.Unix(int64(binary.BigEndian.Uint64(key[1:9])), 0).UTC(), nil
}

func parseKeyMicros(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[9:17]))
}

// runWithContext runs fn in a goroutine and stops waiting when ctx ends
func runWithContext(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return eris.Wrapf(ctx.Err(), "store: %s cancelled", op)
	}
}

// Append writes a reading in a badger transaction
func (s *BadgerStore) Append(ctx context.Context, r model.Reading) (model.Reading, error) {
	r, err := PrepareForAppend(r)
	if err != nil {
		return r, err
	}

	key := readingKey(ChunkStart(r.Timestamp, s.width), &r)
	value, err := json.Marshal(&r)
	if err != nil {
		return r, eris.Wrap(err, "store: encode reading")
	}

	err = runWithContext(ctx, "append", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			_, getErr := txn.Get(key)
			switch {
			case getErr == nil && s.policy == RejectDuplicates:
				return &model.ConflictError{Key: r.Identity().String()}
			case getErr != nil && !errors.Is(getErr, badger.ErrKeyNotFound):
				return getErr
			}
			return txn.Set(key, value)
		})
	})
	if err != nil {
		return r, classifyBadgerError("append", err)
	}
	return r, nil
}

// Query scans only the key ranges of chunks overlapping q.Range
func (s *BadgerStore) Query(ctx context.Context, q model.Query) ([]model.Reading, error) {
	q, err := q.Normalize()
	if err != nil {
		return nil, err
	}

	starts := ChunksOverlapping(q.Range, s.width)
	if q.Order == model.OrderDesc {
		for i, j := 0, len(starts)-1; i < j; i, j = i+1, j-1 {
			starts[i], starts[j] = starts[j], starts[i]
		}
	}

	need := 0
	if q.Limit > 0 {
		need = q.Offset + q.Limit
	}
	fromMicros := q.Range.From.UnixMicro()
	toMicros := q.Range.To.UnixMicro()

	var out []model.Reading
	err = runWithContext(ctx, "query", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			for _, start := range starts {
				prefix := chunkPrefix(start)
				opts := badger.DefaultIteratorOptions
				opts.Prefix = prefix
				it := txn.NewIterator(opts)

				var rows []model.Reading
				scanned := 0
				for it.Seek(seekKey(start, q.Range.From)); it.ValidForPrefix(prefix); it.Next() {
					scanned++
					if scanned%1000 == 0 && ctx.Err() != nil {
						it.Close()
						return ctx.Err()
					}

					item := it.Item()
					k := item.Key()
					if len(k) != readingKeyLen {
						it.Close()
						return ErrCorruptKey
					}
					micros := parseKeyMicros(k)
					if micros < fromMicros {
						continue
					}
					if micros >= toMicros {
						break
					}

					var r model.Reading
					if err := item.Value(func(val []byte) error {
						return json.Unmarshal(val, &r)
					}); err != nil {
						it.Close()
						return eris.Wrap(err, "store: decode reading")
					}
					if q.Filter.Matches(&r) {
						rows = append(rows, r)
					}
				}
				it.Close()

				SortReadings(rows, q.Order)
				out = append(out, rows...)
				if need > 0 && len(out) >= need {
					return nil
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, classifyBadgerError("query", err)
	}

	return Page(out, q.Offset, q.Limit), nil
}

// Chunks counts keys per chunk without reading values
func (s *BadgerStore) Chunks(ctx context.Context) ([]ChunkInfo, error) {
	var infos []ChunkInfo
	err := runWithContext(ctx, "chunks", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte{readingPrefix}
			it := txn.NewIterator(opts)
			defer it.Close()

			var current *ChunkInfo
			for it.Rewind(); it.Valid(); it.Next() {
				start, err := parseChunkStart(it.Item().Key())
				if err != nil {
					return err
				}
				if current == nil || !current.Start.Equal(start) {
					infos = append(infos, ChunkInfo{Start: start, End: start.Add(s.width)})
					current = &infos[len(infos)-1]
				}
				current.Rows++
			}
			return nil
		})
	})
	if err != nil {
		return nil, classifyBadgerError("chunks", err)
	}
	return infos, nil
}

// DropChunksBefore drops every chunk prefix whose end is at or before cutoff
func (s *BadgerStore) DropChunksBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var expired [][]byte
	err := runWithContext(ctx, "list chunks", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte{readingPrefix}
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); {
				start, err := parseChunkStart(it.Item().Key())
				if err != nil {
					return err
				}
				if start.Add(s.width).After(cutoff) {
					// Chunks are ordered by start, so nothing later is expired
					return nil
				}
				expired = append(expired, chunkPrefix(start))
				it.Seek(chunkPrefix(start.Add(s.width)))
			}
			return nil
		})
	})
	if err != nil {
		return 0, classifyBadgerError("list chunks", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.db.DropPrefix(expired...); err != nil {
		return 0, classifyBadgerError("drop chunks", err)
	}
	return len(expired), nil
}

// RunGC reclaims value log space after chunk drops. A nil return means GC
// either ran or had nothing to do.
func (s *BadgerStore) RunGC(discardRatio float64) error {
	err := s.db.RunValueLogGC(discardRatio)
	if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
		return nil
	}
	return err
}

// Close shuts down BadgerDB cleanly
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func classifyBadgerError(op string, err error) error {
	switch {
	case model.IsConflict(err), model.IsValidation(err):
		return err
	case errors.Is(err, badger.ErrConflict), errors.Is(err, badger.ErrBlockedWrites):
		return model.NewTransientStoreError(op, err)
	default:
		return eris.Wrapf(err, "store: %s", op)
	}
}
