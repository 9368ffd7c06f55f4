package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

// Rollup key layout: 'h' or 'd' | bucketStart (unix seconds) | lat bits | lon bits.
// A bucket is the 9-byte prefix, so refreshes and deletes work per prefix.
const (
	hourlyPrefix  = 'h'
	dailyPrefix   = 'd'
	bucketKeyLen  = 1 + 8
	rollupKeyLen  = bucketKeyLen + 8 + 8
	rollupDeletes = 1000
)

// BadgerRollupStore keeps rollups in the reading store's database, next to
// the raw chunks but under their own prefixes so the sweeps stay separate.
type BadgerRollupStore struct {
	db *badger.DB
}

// Rollups returns a rollup store sharing s's database
func (s *BadgerStore) Rollups() *BadgerRollupStore {
	return &BadgerRollupStore{db: s.db}
}

func widthPrefix(w model.BucketWidth) (byte, error) {
	switch w {
	case model.WidthHourly:
		return hourlyPrefix, nil
	case model.WidthDaily:
		return dailyPrefix, nil
	}
	return 0, model.NewValidationError("bucket", "rollups are hourly or daily")
}

func bucketPrefix(p byte, start time.Time) []byte {
	key := make([]byte, bucketKeyLen)
	key[0] = p
	binary.BigEndian.PutUint64(key[1:9], uint64(start.Unix()))
	return key
}

func rollupKey(p byte, r *model.Rollup) []byte {
	key := make([]byte, rollupKeyLen)
	copy(key, bucketPrefix(p, r.BucketStart))
	binary.BigEndian.PutUint64(key[9:17], math.Float64bits(r.Latitude))
	binary.BigEndian.PutUint64(key[17:25], math.Float64bits(r.Longitude))
	return key
}

func parseBucketStart(key []byte) (time.Time, error) {
	if len(key) != rollupKeyLen {
		return time.Time{}, ErrCorruptKey
	}
	return time.Unix(int64(binary.BigEndian.Uint64(key[1:9])), 0).UTC(), nil
}

// ReplaceBucket deletes the bucket's prefix and writes rollups in one
// transaction, so readers see either the old or the new bucket.
func (s *BadgerRollupStore) ReplaceBucket(ctx context.Context, bucket model.Bucket, rollups []model.Rollup) error {
	p, err := widthPrefix(bucket.Width)
	if err != nil {
		return err
	}
	prefix := bucketPrefix(p, bucket.Start)

	values := make([][]byte, len(rollups))
	for i := range rollups {
		if !rollups[i].BucketStart.Equal(bucket.Start) || rollups[i].Width != bucket.Width {
			return model.NewValidationError("rollup", "does not belong to "+bucket.String())
		}
		if values[i], err = json.Marshal(&rollups[i]); err != nil {
			return eris.Wrap(err, "store: encode rollup")
		}
	}

	err = runWithContext(ctx, "replace bucket", func() error {
		return s.db.Update(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			var stale [][]byte
			for it.Rewind(); it.Valid(); it.Next() {
				stale = append(stale, it.Item().KeyCopy(nil))
			}
			it.Close()

			for _, k := range stale {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			for i := range rollups {
				if err := txn.Set(rollupKey(p, &rollups[i]), values[i]); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return classifyBadgerError("replace bucket", err)
	}
	return nil
}

// Query scans the width's prefix from the first bucket in range
func (s *BadgerRollupStore) Query(ctx context.Context, q RollupQuery) ([]model.Rollup, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	p, _ := widthPrefix(q.Width)

	var out []model.Rollup
	err := runWithContext(ctx, "query rollups", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte{p}
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(bucketPrefix(p, q.Range.From)); it.Valid(); it.Next() {
				item := it.Item()
				start, err := parseBucketStart(item.Key())
				if err != nil {
					return err
				}
				if !start.Before(q.Range.To) {
					break
				}
				if start.Before(q.Range.From) {
					continue
				}

				var r model.Rollup
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &r)
				}); err != nil {
					return eris.Wrap(err, "store: decode rollup")
				}
				if q.Filter.BBox != nil && !q.Filter.BBox.Contains(r.Latitude, r.Longitude) {
					continue
				}
				out = append(out, r)
			}
			return nil
		})
	})
	if err != nil {
		return nil, classifyBadgerError("query rollups", err)
	}

	SortRollups(out)
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// DeleteBefore removes every rollup of width whose bucket started before cutoff
func (s *BadgerRollupStore) DeleteBefore(ctx context.Context, width model.BucketWidth, cutoff time.Time) (int, error) {
	p, err := widthPrefix(width)
	if err != nil {
		return 0, err
	}

	var expired [][]byte
	err = runWithContext(ctx, "list rollups", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte{p}
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				start, err := parseBucketStart(it.Item().Key())
				if err != nil {
					return err
				}
				if !start.Before(cutoff) {
					return nil
				}
				expired = append(expired, it.Item().KeyCopy(nil))
			}
			return nil
		})
	})
	if err != nil {
		return 0, classifyBadgerError("list rollups", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for i, k := range expired {
		if i%rollupDeletes == 0 && ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := wb.Delete(k); err != nil {
			return 0, classifyBadgerError("delete rollups", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, classifyBadgerError("delete rollups", err)
	}
	return len(expired), nil
}
