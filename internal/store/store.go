// Package store's Store type implements the stage/pack/committed-index
// life cycle sitting on top of an Adapter: a mutable write buffer that
// periodically flushes to immutable, content-addressed segments,
// generalized from byte-range key-value pairs to whole JSON objects
// keyed by revision digest.
package store

import (
	"fmt"
	"sort"
	"sync"

	"deltacrdt/internal/common"
	"deltacrdt/internal/digest"
	"deltacrdt/internal/ojson"
	"deltacrdt/internal/revision"
	"deltacrdt/internal/telemetry"
)

var storeLog = telemetry.WithComponent("store")

// packLocation names where a committed object lives: which pack, and
// the byte range within it.
type packLocation struct {
	PackID string
	common.Location
}

// Store is the content-addressed object store: an adapter, a stage of
// uncommitted writes, a committed index resolving digests to packs,
// the set of packs currently loaded, and an LRU cache of decoded
// objects.
type Store struct {
	mu sync.RWMutex

	adapter Adapter

	stage     map[string][]byte // digest -> canonical JSON bytes
	committed map[string]packLocation
	loaded    map[string]bool

	cache *LRU[*ojson.Map]
}

// New returns a Store over adapter with an object cache of the given
// capacity; a capacity of zero or less leaves it unbounded (see NewLRU).
func New(adapter Adapter, cacheCapacity int) *Store {
	return &Store{
		adapter:   adapter,
		stage:     make(map[string][]byte),
		committed: make(map[string]packLocation),
		loaded:    make(map[string]bool),
		cache:     NewLRU[*ojson.Map](cacheCapacity),
	}
}

// WriteObject stores obj under rev's digest. Sentinel and charcode
// revisions are synthesized on read and never persisted. A digest
// already present in the committed index or stage is left untouched —
// content-addressed writes are idempotent.
func (s *Store) WriteObject(rev revision.Revision, obj *ojson.Map) error {
	if rev.IsDeleted() || rev.IsResolved() || rev.IsEmpty() || rev.IsCharcode() {
		return nil
	}

	key := rev.Digest()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.committed[key]; ok {
		return nil
	}
	if _, ok := s.stage[key]; ok {
		return nil
	}

	data, err := obj.MarshalJSON()
	if err != nil {
		return common.Wrap(common.ErrMalformedInput, "canonicalize object for write", err)
	}
	s.stage[key] = data
	s.cache.Put(key, obj)
	return nil
}

// ReadObject returns the object named by rev: a synthesized value for
// sentinel/charcode revisions, otherwise the stored object looked up
// cache -> committed index -> stage, in that order.
func (s *Store) ReadObject(rev revision.Revision) (*ojson.Map, error) {
	if rev.IsDeleted() {
		return synthesized("_deleted"), nil
	}
	if rev.IsResolved() {
		return synthesized("_resolved"), nil
	}
	if rev.IsEmpty() {
		return ojson.NewMap(), nil
	}
	if rev.IsCharcode() {
		m := ojson.NewMap()
		m.Set(common.HashFieldKey, rev.Digest())
		return m, nil
	}

	key := rev.Digest()

	s.mu.RLock()
	if obj, ok := s.cache.Get(key); ok {
		s.mu.RUnlock()
		return obj, nil
	}
	if loc, ok := s.committed[key]; ok {
		s.mu.RUnlock()
		data, err := s.adapter.ReadObject(loc.PackID+".pack", loc.Offset, loc.Length)
		if err != nil {
			return nil, common.Wrap(common.ErrAdapterIO, "read object from pack", err)
		}
		obj := ojson.NewMap()
		if err := obj.UnmarshalJSON(data); err != nil {
			return nil, common.Wrap(common.ErrMalformedInput, "decode packed object", err)
		}
		s.mu.Lock()
		s.cache.Put(key, obj)
		s.mu.Unlock()
		return obj, nil
	}
	if data, ok := s.stage[key]; ok {
		s.mu.RUnlock()
		obj := ojson.NewMap()
		if err := obj.UnmarshalJSON(data); err != nil {
			return nil, common.Wrap(common.ErrMalformedInput, "decode staged object", err)
		}
		return obj, nil
	}
	s.mu.RUnlock()
	return nil, common.Wrap(common.ErrAdapterIO, fmt.Sprintf("digest %s", key), common.ErrValueNotFound)
}

func synthesized(flag string) *ojson.Map {
	m := ojson.NewMap()
	m.Set(flag, true)
	return m
}

// Pack flushes the stage into a new immutable pack. It returns the
// empty string and false if the stage was empty.
func (s *Store) Pack() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.stage) == 0 {
		return "", false, nil
	}

	keys := make([]string, 0, len(s.stage))
	for k := range s.stage {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := make([]byte, 0, 1024)
	buf = append(buf, '[')
	locations := make(map[string]common.Location, len(keys))
	for i, key := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		start := len(buf)
		buf = append(buf, s.stage[key]...)
		locations[key] = common.Location{Offset: start, Length: len(buf) - start}
	}
	buf = append(buf, ']')

	packID := digest.Bytes(buf)
	packKey := packID + ".pack"
	if err := s.adapter.WriteObject(packKey, buf); err != nil {
		return "", false, common.Wrap(common.ErrAdapterIO, "write pack", err)
	}

	// Heuristic: emit a sidecar index once the pack is large enough
	// relative to its entry count that scanning on reload would be
	// wasteful.
	if len(buf) > 800*len(keys) {
		idxData, err := marshalPackIndex(locations)
		if err != nil {
			return "", false, err
		}
		if err := s.adapter.WriteObject(packID+".index", idxData); err != nil {
			return "", false, common.Wrap(common.ErrAdapterIO, "write pack index", err)
		}
	}

	for key, loc := range locations {
		s.committed[key] = packLocation{PackID: packID, Location: loc}
	}
	s.stage = make(map[string][]byte)
	s.loaded[packID] = true

	storeLog.Debug().Str("pack", packID).Int("objects", len(keys)).Int("bytes", len(buf)).Msg("flushed stage to pack")
	return packID, true, nil
}

// Stage returns a snapshot of every uncommitted object, keyed by
// digest, for the replica façade's Stage operation.
func (s *Store) Stage() map[string][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string][]byte, len(s.stage))
	for k, v := range s.stage {
		out[k] = v
	}
	return out
}

// HasStage reports whether any object is currently staged.
func (s *Store) HasStage() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.stage) > 0
}

// ReplayStage re-installs a remote replica's staged objects into this
// store's own stage, skipping any digest already committed or staged
// locally — the data half of the façade's ReplayStage operation.
func (s *Store) ReplayStage(staged map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, data := range staged {
		if _, ok := s.committed[key]; ok {
			continue
		}
		if _, ok := s.stage[key]; ok {
			continue
		}
		s.stage[key] = data
	}
}

// Reload discards the in-memory committed index and loaded set and
// rebuilds them from scratch by listing every pack/index in the
// adapter. It fails if the stage is non-empty.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.stage) > 0 {
		return common.ErrStageNotEmpty
	}

	s.committed = make(map[string]packLocation)
	s.loaded = make(map[string]bool)
	s.cache.Clear()

	packIDs, err := s.adapter.ListObjects(".pack")
	if err != nil {
		return common.Wrap(common.ErrAdapterIO, "list packs", err)
	}
	indexIDs, err := s.adapter.ListObjects(".index")
	if err != nil {
		return common.Wrap(common.ErrAdapterIO, "list indices", err)
	}
	hasIndex := make(map[string]bool, len(indexIDs))
	for _, id := range indexIDs {
		hasIndex[id] = true
	}

	for _, id := range packIDs {
		if err := s.loadPackLocked(id, hasIndex[id]); err != nil {
			return err
		}
	}
	return nil
}

// Refresh is additive: it loads only packs/indices not already in the
// loaded set, returning their ids. It requires an empty stage.
func (s *Store) Refresh() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.stage) > 0 {
		return nil, common.ErrStageNotEmpty
	}

	packIDs, err := s.adapter.ListObjects(".pack")
	if err != nil {
		return nil, common.Wrap(common.ErrAdapterIO, "list packs", err)
	}
	indexIDs, err := s.adapter.ListObjects(".index")
	if err != nil {
		return nil, common.Wrap(common.ErrAdapterIO, "list indices", err)
	}
	hasIndex := make(map[string]bool, len(indexIDs))
	for _, id := range indexIDs {
		hasIndex[id] = true
	}

	var fresh []string
	for _, id := range packIDs {
		if s.loaded[id] {
			continue
		}
		if err := s.loadPackLocked(id, hasIndex[id]); err != nil {
			return nil, err
		}
		fresh = append(fresh, id)
	}
	return fresh, nil
}

// loadPackLocked installs a pack's entries into the committed index,
// preferring its sidecar index when present and falling back to a
// brace-balanced scan of the raw pack bytes otherwise. Caller must
// hold s.mu.
func (s *Store) loadPackLocked(packID string, hasIdx bool) error {
	if hasIdx {
		data, err := s.adapter.ReadObject(packID+".index", 0, 0)
		if err != nil {
			return common.Wrap(common.ErrAdapterIO, "read pack index", err)
		}
		idx, err := unmarshalPackIndex(data)
		if err != nil {
			// Malformed sidecar: fall back to scanning the pack
			// directly rather than failing the load.
			return s.scanPackLocked(packID)
		}
		for key, loc := range idx {
			s.committed[key] = packLocation{PackID: packID, Location: loc}
		}
		s.loaded[packID] = true
		return nil
	}
	return s.scanPackLocked(packID)
}

func (s *Store) scanPackLocked(packID string) error {
	data, err := s.adapter.ReadObject(packID+".pack", 0, 0)
	if err != nil {
		return common.Wrap(common.ErrAdapterIO, "read pack", err)
	}
	for _, span := range scanTopLevelObjects(data) {
		entry := data[span.Offset : span.Offset+span.Length]
		key := digest.Bytes(entry)
		s.committed[key] = packLocation{PackID: packID, Location: span}
	}
	s.loaded[packID] = true
	return nil
}

// IsReadableAndValidPack fetches the full pack named by id and
// verifies its SHA-256 digest equals id.
func (s *Store) IsReadableAndValidPack(id string) (bool, error) {
	data, err := s.adapter.ReadObject(id+".pack", 0, 0)
	if err != nil {
		return false, nil
	}
	return digest.Bytes(data) == id, nil
}

// scanTopLevelObjects finds the byte range of every brace-balanced
// top-level JSON object inside a `[...]` pack buffer. It tracks string
// literals and their escapes, so braces inside strings do not affect
// the depth count. It never errors: an unparseable
// buffer yields no spans, matching "pack scanning never throws".
func scanTopLevelObjects(buf []byte) []common.Location {
	var spans []common.Location
	depth := 0
	start := -1
	inString := false
	escaped := false

	for i, b := range buf {
		if inString {
			switch {
			case escaped:
				escaped = false
			case b == '\\':
				escaped = true
			case b == '"':
				inString = false
			}
			continue
		}
		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth == 0 && start >= 0 {
				spans = append(spans, common.Location{Offset: start, Length: i - start + 1})
				start = -1
			}
		}
	}
	return spans
}
