package store

import (
	"context"
	"encoding/binary"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rotisserie/eris"

	"github.com/arsenis-cmd/AirAware/internal/model"
)

const (
	stripeCount = 32
	// maxIndexedCells bounds the geo-cell index walk; wider boxes scan the stripe
	maxIndexedCells = 256
)

// ErrChunkDropped is returned (wrapped as transient) when retention removes a
// chunk while a query is reading it.
var ErrChunkDropped = eris.New("chunk dropped during read")

// ErrStoreClosed is returned by every operation after Close
var ErrStoreClosed = eris.New("store is closed")

type identityKey struct {
	micros int64
	lat    float64
	lon    float64
}

func keyOf(r *model.Reading) identityKey {
	return identityKey{micros: r.Timestamp.UnixMicro(), lat: r.Latitude, lon: r.Longitude}
}

func (k identityKey) hash() uint64 {
	var buf [24]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(k.micros))
	binary.BigEndian.PutUint64(buf[8:16], math.Float64bits(k.lat))
	binary.BigEndian.PutUint64(buf[16:24], math.Float64bits(k.lon))
	return xxhash.Sum64(buf[:])
}

// cellKey is a 1°×1° geo cell
type cellKey struct {
	lat int
	lon int
}

func cellOf(lat, lon float64) cellKey {
	return cellKey{lat: int(math.Floor(lat)), lon: int(math.Floor(lon))}
}

type keySet map[identityKey]struct{}

// stripe owns a slice of a chunk's rows plus their secondary indexes
type stripe struct {
	mu       sync.RWMutex
	rows     map[identityKey]model.Reading
	byDevice map[string]keySet
	byUser   map[string]keySet
	byCell   map[cellKey]keySet
}

func newStripe() *stripe {
	return &stripe{
		rows:     make(map[identityKey]model.Reading),
		byDevice: make(map[string]keySet),
		byUser:   make(map[string]keySet),
		byCell:   make(map[cellKey]keySet),
	}
}

func (s *stripe) index(key identityKey, r *model.Reading) {
	if r.DeviceID != "" {
		addKey(s.byDevice, r.DeviceID, key)
	}
	if r.UserID != "" {
		addKey(s.byUser, r.UserID, key)
	}
	addKey(s.byCell, cellOf(r.Latitude, r.Longitude), key)
}

func (s *stripe) unindex(key identityKey, r *model.Reading) {
	if r.DeviceID != "" {
		removeKey(s.byDevice, r.DeviceID, key)
	}
	if r.UserID != "" {
		removeKey(s.byUser, r.UserID, key)
	}
	removeKey(s.byCell, cellOf(r.Latitude, r.Longitude), key)
}

func addKey[K comparable](idx map[K]keySet, k K, key identityKey) {
	set, ok := idx[k]
	if !ok {
		set = make(keySet)
		idx[k] = set
	}
	set[key] = struct{}{}
}

func removeKey[K comparable](idx map[K]keySet, k K, key identityKey) {
	set, ok := idx[k]
	if !ok {
		return
	}
	delete(set, key)
	if len(set) == 0 {
		delete(idx, k)
	}
}

// chunk is one time partition of the memory store
type chunk struct {
	start   time.Time
	end     time.Time
	stripes [stripeCount]*stripe
	rows    atomic.Int64
	dropped atomic.Bool
}

func newChunk(start time.Time, width time.Duration) *chunk {
	c := &chunk{start: start, end: start.Add(width)}
	for i := range c.stripes {
		c.stripes[i] = newStripe()
	}
	return c
}

func (c *chunk) stripeFor(key identityKey) *stripe {
	return c.stripes[key.hash()%stripeCount]
}

// collect returns rows matching q; the caller sorts them
func (c *chunk) collect(q model.Query) []model.Reading {
	var out []model.Reading
	for _, st := range c.stripes {
		st.mu.RLock()
		st.scan(q, func(r *model.Reading) {
			out = append(out, *r)
		})
		st.mu.RUnlock()
	}
	return out
}

func (s *stripe) scan(q model.Query, emit func(r *model.Reading)) {
	visit := func(key identityKey) {
		r, ok := s.rows[key]
		if !ok {
			return
		}
		if q.Range.Contains(r.Timestamp) && q.Filter.Matches(&r) {
			emit(&r)
		}
	}

	f := q.Filter
	switch {
	case f.DeviceID != "":
		for key := range s.byDevice[f.DeviceID] {
			visit(key)
		}
	case f.UserID != "":
		for key := range s.byUser[f.UserID] {
			visit(key)
		}
	case f.BBox != nil && cellCount(f) <= maxIndexedCells:
		minCell := cellOf(f.BBox.MinLat, f.BBox.MinLon)
		maxCell := cellOf(f.BBox.MaxLat, f.BBox.MaxLon)
		for la := minCell.lat; la <= maxCell.lat; la++ {
			for lo := minCell.lon; lo <= maxCell.lon; lo++ {
				for key := range s.byCell[cellKey{lat: la, lon: lo}] {
					visit(key)
				}
			}
		}
	default:
		for key := range s.rows {
			visit(key)
		}
	}
}

func cellCount(f model.Filter) int {
	minCell := cellOf(f.BBox.MinLat, f.BBox.MinLon)
	maxCell := cellOf(f.BBox.MaxLat, f.BBox.MaxLon)
	return (maxCell.lat - minCell.lat + 1) * (maxCell.lon - minCell.lon + 1)
}

// MemoryStore is an in-process chunked reading store. Chunks are keyed by
// their UTC start; each chunk is split into lock stripes chosen by the hash
// of the identity key, so concurrent writes only contend when they land on
// the same stripe.
type MemoryStore struct {
	width  time.Duration
	policy ConflictPolicy

	mu     sync.RWMutex
	chunks map[int64]*chunk
	closed bool
}

// NewMemoryStore creates an empty store with the given chunk width and conflict policy
func NewMemoryStore(width time.Duration, policy ConflictPolicy) *MemoryStore {
	if width <= 0 {
		width = DefaultChunkWidth
	}
	if policy == "" {
		policy = LastWriteWins
	}
	return &MemoryStore{
		width:  width,
		policy: policy,
		chunks: make(map[int64]*chunk),
	}
}

// Append stores a reading in the chunk covering its timestamp
func (s *MemoryStore) Append(ctx context.Context, r model.Reading) (model.Reading, error) {
	if err := ctx.Err(); err != nil {
		return r, err
	}
	r, err := PrepareForAppend(r)
	if err != nil {
		return r, err
	}

	key := keyOf(&r)
	start := ChunkStart(r.Timestamp, s.width)

	for {
		c, err := s.chunkFor(start)
		if err != nil {
			return r, err
		}

		st := c.stripeFor(key)
		st.mu.Lock()
		if c.dropped.Load() {
			// Swept between lookup and lock; the next lookup creates a fresh chunk
			st.mu.Unlock()
			continue
		}

		existing, exists := st.rows[key]
		if exists && s.policy == RejectDuplicates {
			st.mu.Unlock()
			return r, &model.ConflictError{Key: r.Identity().String()}
		}
		if exists {
			st.unindex(key, &existing)
		} else {
			c.rows.Add(1)
		}
		st.rows[key] = r
		st.index(key, &r)
		st.mu.Unlock()

		return r, nil
	}
}

func (s *MemoryStore) chunkFor(start time.Time) (*chunk, error) {
	id := start.Unix()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	c, ok := s.chunks[id]
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	if c, ok := s.chunks[id]; ok {
		return c, nil
	}
	c = newChunk(start, s.width)
	s.chunks[id] = c
	return c, nil
}

// Query reads the chunks overlapping the range, newest first unless q.Order is asc
func (s *MemoryStore) Query(ctx context.Context, q model.Query) ([]model.Reading, error) {
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

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrStoreClosed
	}
	chunks := make([]*chunk, 0, len(starts))
	for _, start := range starts {
		if c, ok := s.chunks[start.Unix()]; ok {
			chunks = append(chunks, c)
		}
	}
	s.mu.RUnlock()

	need := 0
	if q.Limit > 0 {
		need = q.Offset + q.Limit
	}

	var out []model.Reading
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		rows := c.collect(q)
		if c.dropped.Load() {
			return nil, model.NewTransientStoreError("query", ErrChunkDropped)
		}
		SortReadings(rows, q.Order)
		out = append(out, rows...)

		// Chunks are disjoint in time and visited in order, so later chunks
		// cannot contribute rows ahead of those already collected
		if need > 0 && len(out) >= need {
			break
		}
	}

	return Page(out, q.Offset, q.Limit), nil
}

// Chunks lists live chunks ordered by start
func (s *MemoryStore) Chunks(ctx context.Context) ([]ChunkInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	infos := make([]ChunkInfo, 0, len(s.chunks))
	for _, c := range s.chunks {
		infos = append(infos, ChunkInfo{Start: c.start, End: c.end, Rows: int(c.rows.Load())})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Start.Before(infos[j].Start) })
	return infos, nil
}

// DropChunksBefore detaches every chunk whose end is at or before cutoff.
// The cost per chunk is independent of how many rows it holds.
func (s *MemoryStore) DropChunksBefore(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	dropped := 0
	for id, c := range s.chunks {
		if err := ctx.Err(); err != nil {
			return dropped, err
		}
		if c.end.After(cutoff) {
			continue
		}

		// Holding every stripe lock orders the drop against in-flight writes
		for _, st := range c.stripes {
			st.mu.Lock()
		}
		c.dropped.Store(true)
		for _, st := range c.stripes {
			st.mu.Unlock()
		}

		delete(s.chunks, id)
		dropped++
	}
	return dropped, nil
}

// Close releases every chunk
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.chunks = nil
	return nil
}

// SortReadings orders readings by timestamp, breaking ties by coordinate
func SortReadings(rows []model.Reading, order model.Order) {
	sort.Slice(rows, func(i, j int) bool {
		a, b := &rows[i], &rows[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			if order == model.OrderAsc {
				return a.Timestamp.Before(b.Timestamp)
			}
			return a.Timestamp.After(b.Timestamp)
		}
		if a.Latitude != b.Latitude {
			return a.Latitude < b.Latitude
		}
		return a.Longitude < b.Longitude
	})
}

// Page applies offset and limit; a zero limit returns everything after offset
func Page(rows []model.Reading, offset, limit int) []model.Reading {
	if offset >= len(rows) {
		return []model.Reading{}
	}
	rows = rows[offset:]
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows
}
