package deltablock

import (
	"sort"
	"sync"

	"deltacrdt/internal/common"
	"deltacrdt/internal/digest"
	"deltacrdt/internal/ojson"
	"deltacrdt/internal/revtree"
	"deltacrdt/internal/store"
	"deltacrdt/internal/telemetry"
)

var blockLog = telemetry.WithComponent("deltablock")

// Engine owns the in-memory block map and the raw-item adapter access
// delta blocks need (they live outside the pack/stage life cycle
// internal/store manages): a mutex-guarded map of content-addressed,
// parent-linked blocks.
type Engine struct {
	mu      sync.RWMutex
	adapter store.Adapter
	blocks  map[string]*Block
}

// NewEngine returns an Engine with no blocks loaded.
func NewEngine(adapter store.Adapter) *Engine {
	return &Engine{adapter: adapter, blocks: make(map[string]*Block)}
}

// GetBlock returns a previously loaded block by id.
func (e *Engine) GetBlock(id string) (*Block, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.blocks[id]
	return b, ok
}

// GetAnchors returns every ValidAndApplied block not referenced as a
// parent by any other ValidAndApplied block.
func (e *Engine) GetAnchors() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	anchors := make(map[string]bool)
	for id, b := range e.blocks {
		if b.Status == StatusValidAndApplied {
			anchors[id] = true
		}
	}
	for _, b := range e.blocks {
		if b.Status != StatusValidAndApplied {
			continue
		}
		for _, p := range b.Parents {
			delete(anchors, p)
		}
	}
	out := make([]string, 0, len(anchors))
	for id := range anchors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ReachablePacks returns every pack id transitively reachable from the
// current anchor set by walking parent edges — the live set a garbage
// collection pass must not delete (SPEC_FULL.md's Delta Block Engine
// expansion).
func (e *Engine) ReachablePacks() map[string]bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var anchors []string
	for id, b := range e.blocks {
		if b.Status == StatusValidAndApplied {
			anchors = append(anchors, id)
		}
	}
	for _, b := range e.blocks {
		if b.Status != StatusValidAndApplied {
			continue
		}
		for _, p := range b.Parents {
			anchors = removeFromStringSlice(anchors, p)
		}
	}

	reachable := make(map[string]bool)
	visited := make(map[string]bool)
	queue := append([]string{}, anchors...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		b, ok := e.blocks[id]
		if !ok {
			continue
		}
		for _, p := range b.Packs {
			reachable[p] = true
		}
		queue = append(queue, b.Parents...)
	}
	return reachable
}

func removeFromStringSlice(s []string, v string) []string {
	out := s[:0]
	for _, e := range s {
		if e != v {
			out = append(out, e)
		}
	}
	return out
}

// Commit assembles a new block from every staged edge across forest,
// writes it, and promotes every revision tree's staged edges to
// committed — steps (b)-(g). Step (a), auto-resolving
// array-descriptor conflicts, is the caller's responsibility (it needs
// replica-level revision construction this package doesn't own).
func (e *Engine) Commit(forest *revtree.Forest, objects *store.Store, info *ojson.Map) (string, error) {
	packID, hasPack, err := objects.Pack()
	if err != nil {
		return "", err
	}

	block := ojson.NewMap()

	var changes []Change
	for _, uuid := range forest.UUIDs() {
		tree, ok := forest.Get(uuid)
		if !ok {
			continue
		}
		for _, edge := range tree.StagedEdges() {
			if !edge.HasParent {
				changes = append(changes, Change{UUID: uuid, Revision: edge.Revision})
			} else {
				changes = append(changes, Change{UUID: uuid, Revision: edge.Revision, Parent: edge.Parent, HasPar: true})
			}
		}
	}
	block.Set(common.BlockFieldChanges, changesToRaw(changes))

	if info != nil {
		block.Set(common.BlockFieldInfo, info)
	}

	anchors := e.GetAnchors()
	if len(anchors) > 0 {
		anchorVals := make([]any, len(anchors))
		for i, a := range anchors {
			anchorVals[i] = a
		}
		block.Set(common.BlockFieldParents, anchorVals)
	}

	if hasPack {
		block.Set(common.BlockFieldPacks, []any{packID})
	}

	raw, err := block.MarshalJSON()
	if err != nil {
		return "", common.Wrap(common.ErrMalformedInput, "serialize block", err)
	}
	blockID := digest.Bytes(raw)

	if err := e.adapter.WriteObject(blockID+".delta", raw); err != nil {
		return "", common.Wrap(common.ErrAdapterIO, "write block", err)
	}

	parsed, err := ParseRaw(blockID, block, func(id string) bool {
		ok, _ := objects.IsReadableAndValidPack(id)
		return ok
	})
	if err != nil {
		return "", err
	}
	parsed.Status = StatusValidAndApplied
	parsed.Changes = nil // folded in already, drop

	e.mu.Lock()
	e.blocks[blockID] = parsed
	e.mu.Unlock()

	for _, uuid := range forest.UUIDs() {
		if tree, ok := forest.Get(uuid); ok {
			tree.Commit()
		}
	}

	blockLog.Debug().Str("block", blockID).Int("changes", len(changes)).Msg("committed block")
	return blockID, nil
}

// HasStaging reports whether any tree in forest has staged edges.
func HasStaging(forest *revtree.Forest) bool {
	for _, uuid := range forest.UUIDs() {
		if tree, ok := forest.Get(uuid); ok && !isUnstaged(tree) {
			return true
		}
	}
	return false
}

func isUnstaged(tree *revtree.Tree) bool {
	return len(tree.StagedEdges()) == 0
}

// Reload clears all in-memory block and document state and replays
// every .delta block found in storage, applying every block that
// validates. Fails if forest has any staged edges.
func (e *Engine) Reload(forest *revtree.Forest, objects *store.Store) error {
	if HasStaging(forest) {
		return common.ErrStageNotEmpty
	}

	ids, err := e.adapter.ListObjects(".delta")
	if err != nil {
		return common.Wrap(common.ErrAdapterIO, "list blocks", err)
	}

	forest.Clear()
	if err := objects.Reload(); err != nil {
		return err
	}

	e.mu.Lock()
	e.blocks = make(map[string]*Block)
	e.mu.Unlock()

	e.loadBlocks(ids, objects)
	e.markValidBlocks(objects)
	e.applyValidBlocks(forest)
	return nil
}

// Refresh loads only newly appeared .delta blocks, re-marks any
// Invalid blocks as Unknown (a newly arrived pack may validate them),
// and applies whatever is now Valid. Fails if forest has staged edges.
func (e *Engine) Refresh(forest *revtree.Forest, objects *store.Store) error {
	if HasStaging(forest) {
		return common.ErrStageNotEmpty
	}

	ids, err := e.adapter.ListObjects(".delta")
	if err != nil {
		return common.Wrap(common.ErrAdapterIO, "list blocks", err)
	}

	if _, err := objects.Refresh(); err != nil {
		return err
	}

	e.mu.Lock()
	var newIDs []string
	for _, id := range ids {
		if _, ok := e.blocks[id]; !ok {
			newIDs = append(newIDs, id)
		}
	}
	for _, b := range e.blocks {
		if b.Status == StatusInvalid {
			b.Status = StatusUnknown
		}
	}
	e.mu.Unlock()

	e.loadBlocks(newIDs, objects)
	e.markValidBlocks(objects)
	e.applyValidBlocks(forest)
	return nil
}

// ReloadUntil reloads the block graph like Reload, but applies only
// the transitive ancestors of anchors, leaving every other block
// Valid-but-unapplied. An empty anchors set behaves like Reload.
func (e *Engine) ReloadUntil(forest *revtree.Forest, objects *store.Store, anchors []string) error {
	if len(anchors) == 0 {
		return e.Reload(forest, objects)
	}
	if HasStaging(forest) {
		return common.ErrStageNotEmpty
	}

	ids, err := e.adapter.ListObjects(".delta")
	if err != nil {
		return common.Wrap(common.ErrAdapterIO, "list blocks", err)
	}

	forest.Clear()
	if err := objects.Reload(); err != nil {
		return err
	}

	e.mu.Lock()
	e.blocks = make(map[string]*Block)
	e.mu.Unlock()

	e.loadBlocks(ids, objects)
	e.markValidBlocks(objects)

	e.mu.Lock()
	for _, id := range anchors {
		b, ok := e.blocks[id]
		if !ok {
			e.mu.Unlock()
			return common.NewError(common.ErrMalformedInput, "reload_until_interrupted_block_not_found")
		}
		if b.Status != StatusValid {
			e.mu.Unlock()
			return common.NewError(common.ErrConsistencyViolation, "reload_until_interrupted_invalid_block")
		}
	}
	e.mu.Unlock()

	queue := append([]string{}, anchors...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		e.mu.Lock()
		b, ok := e.blocks[id]
		if !ok || b.Status != StatusValid {
			e.mu.Unlock()
			continue
		}
		e.mu.Unlock()

		e.applyBlock(forest, b)

		e.mu.Lock()
		b.Status = StatusValidAndApplied
		b.Changes = nil
		parents := append([]string{}, b.Parents...)
		e.mu.Unlock()

		queue = append(queue, parents...)
	}
	return nil
}

// Meld copies every raw item present in other's adapter but absent
// from this engine's, bit-exact, and returns the copied keys. It does
// not change in-memory state; the caller must Refresh to observe the
// melded blocks and packs.
func (e *Engine) Meld(other store.Adapter) ([]string, error) {
	otherItems, err := other.ListObjects("")
	if err != nil {
		return nil, common.Wrap(common.ErrAdapterIO, "list melded items", err)
	}
	if len(otherItems) == 0 {
		return nil, nil
	}

	thisItems, err := e.adapter.ListObjects("")
	if err != nil {
		return nil, common.Wrap(common.ErrAdapterIO, "list local items", err)
	}
	present := make(map[string]bool, len(thisItems))
	for _, i := range thisItems {
		present[i] = true
	}

	var copied []string
	for _, i := range otherItems {
		if present[i] {
			continue
		}
		data, err := other.ReadObject(i, 0, 0)
		if err != nil {
			return nil, common.Wrap(common.ErrAdapterIO, "read melded item", err)
		}
		if err := e.adapter.WriteObject(i, data); err != nil {
			return nil, common.Wrap(common.ErrAdapterIO, "write melded item", err)
		}
		copied = append(copied, i)
	}
	if len(copied) > 0 {
		blockLog.Info().Int("count", len(copied)).Msg("melded items from remote adapter")
	}
	return copied, nil
}

func (e *Engine) loadBlocks(ids []string, objects *store.Store) {
	for _, id := range ids {
		raw, err := e.adapter.ReadObject(id+".delta", 0, 0)
		if err != nil {
			continue
		}
		if digest.Bytes(raw) != id {
			continue // mismatching hash: skip, never fatal for reload/refresh
		}
		var decoded ojson.Map
		if err := decoded.UnmarshalJSON(raw); err != nil {
			continue
		}
		parsed, err := ParseRaw(id, &decoded, func(packID string) bool {
			ok, _ := objects.IsReadableAndValidPack(packID)
			return ok
		})
		if err != nil {
			continue // malformed block: render Invalid by omission, not fatal
		}
		e.mu.Lock()
		e.blocks[id] = parsed
		e.mu.Unlock()
	}
}

// markValidBlocks resolves every Unknown block's status, recursing
// into parents as needed (transitive Valid check).
func (e *Engine) markValidBlocks(objects *store.Store) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.blocks))
	for id := range e.blocks {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	for _, id := range ids {
		e.checkBlock(id, objects, make(map[string]bool))
	}
}

func (e *Engine) checkBlock(id string, objects *store.Store, visiting map[string]bool) Status {
	e.mu.RLock()
	b, ok := e.blocks[id]
	e.mu.RUnlock()
	if !ok {
		return StatusInvalid
	}

	e.mu.RLock()
	status := b.Status
	e.mu.RUnlock()
	if status != StatusUnknown {
		return status
	}
	if visiting[id] {
		return StatusInvalid // cycle guard; well-formed histories never cycle
	}
	visiting[id] = true

	status = StatusValid
	for _, pack := range b.Packs {
		if ok, _ := objects.IsReadableAndValidPack(pack); !ok {
			status = StatusInvalid
			break
		}
	}
	if status == StatusValid {
		for _, parent := range b.Parents {
			if e.checkBlock(parent, objects, visiting) == StatusInvalid {
				status = StatusInvalid
				break
			}
		}
	}

	e.mu.Lock()
	b.Status = status
	e.mu.Unlock()
	return status
}

func (e *Engine) applyValidBlocks(forest *revtree.Forest) {
	e.mu.RLock()
	var toApply []*Block
	for _, b := range e.blocks {
		if b.Status == StatusValid {
			toApply = append(toApply, b)
		}
	}
	e.mu.RUnlock()

	for _, b := range toApply {
		e.applyBlock(forest, b)
		e.mu.Lock()
		b.Status = StatusValidAndApplied
		b.Changes = nil
		e.mu.Unlock()
	}
}

func (e *Engine) applyBlock(forest *revtree.Forest, b *Block) {
	for _, c := range b.Changes {
		tree := forest.GetOrCreate(c.UUID)
		if c.HasPar {
			tree.Add(c.Revision, &c.Parent, false)
		} else {
			tree.Add(c.Revision, nil, false)
		}
	}
}
