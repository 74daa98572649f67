// Package replica implements the Replica façade, the single public
// type a caller interacts with. It composes the data store, the
// per-object revision forest, and the delta block engine into the
// create/update/delete/read/commit/meld/resolve operation set,
// performing the one step the delta block engine explicitly does not
// own — auto-resolving array-descriptor conflicts before a commit
// assembles its block.
//
// The façade is one top-level struct composing independently built
// subsystems (object store, revision forest, delta block engine)
// behind a single entry point, the way a storage engine wires its WAL,
// memtable, and catalog behind one manager type.
package replica

import (
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"deltacrdt/internal/arraydesc"
	"deltacrdt/internal/common"
	"deltacrdt/internal/deltablock"
	"deltacrdt/internal/digest"
	"deltacrdt/internal/flatten"
	"deltacrdt/internal/ojson"
	"deltacrdt/internal/revision"
	"deltacrdt/internal/revtree"
	"deltacrdt/internal/store"
	"deltacrdt/internal/telemetry"
)

var replicaLog = telemetry.WithComponent("replica")

// Replica is a single CRDT document replica: one content-addressed
// object store, one revision forest, one delta block engine, and the
// array-descriptor machinery layered across the two. Replica
// serializes every mutating operation under its own lock — the
// per-component mutexes in store.Store, revtree.Tree and
// deltablock.Engine guard their own bookkeeping, but a façade
// operation like resolve_as or update composes several of those calls
// and needs the whole sequence to appear atomic to other callers.
type Replica struct {
	mu sync.RWMutex

	objects *store.Store
	forest  *revtree.Forest
	blocks  *deltablock.Engine
	arrays  *arraydesc.Engine
	metrics *telemetry.Metrics
}

// Config bundles a new Replica's cache sizes (passed through as given;
// zero or less means unbounded) and optional metrics.
type Config struct {
	ObjectCacheSize int
	OrderCacheSize  int
	Metrics         *telemetry.Metrics
}

// New returns a Replica whose data store and delta block engine both
// read and write through adapter.
func New(adapter store.Adapter, cfg Config) *Replica {
	objects := store.New(adapter, cfg.ObjectCacheSize)
	return &Replica{
		objects: objects,
		forest:  revtree.NewForest(),
		blocks:  deltablock.NewEngine(adapter),
		arrays:  arraydesc.NewEngine(objects, arraydesc.NewCache(cfg.OrderCacheSize)),
		metrics: cfg.Metrics,
	}
}

// NewObjectID returns a fresh, randomly generated object identifier —
// a convenience for callers minting objects directly through
// CreateObject rather than via Update's whole-document flattening.
func NewObjectID() string {
	return uuid.NewString()
}

func isArrayDescriptor(id string) bool {
	return strings.HasPrefix(id, common.ArrayDescPrefix)
}

func cloneObject(obj *ojson.Map) *ojson.Map {
	out := ojson.NewMap()
	for _, k := range obj.Keys() {
		v, _ := obj.Get(k)
		out.Set(k, v)
	}
	return out
}

// CreateObject records the creation of uuid holding obj, minting its
// first revision (index 1, digest of obj). Returns ("", false, nil)
// if that exact revision edge already exists — creation is idempotent.
// Calling CreateObject for a uuid that already has a winner is legal:
// it starts a second root edge, the mechanism by which two replicas
// that independently created the same identifier converge on a
// genuine conflict once melded.
func (r *Replica) CreateObject(id string, obj *ojson.Map) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createObjectLocked(id, obj)
}

func (r *Replica) createObjectLocked(id string, obj *ojson.Map) (string, bool, error) {
	d, err := digest.Object(obj)
	if err != nil {
		return "", false, err
	}
	rev := revision.New(1, d, nil)

	tree := r.forest.GetOrCreate(id)
	if !tree.Add(rev, nil, true) {
		return "", false, nil
	}
	if err := r.objects.WriteObject(rev, obj); err != nil {
		return "", false, err
	}
	return rev.Text(), true, nil
}

// UpdateObject records an update to uuid, or creates it if this is the
// first time uuid is seen. If uuid names an array-descriptor, obj must
// carry a full order (see arraydesc.FromObject); UpdateObject computes
// the delta patch against the current winner itself. Returns
// ("", false, nil) if the new content is identical to the object's
// current winning revision.
func (r *Replica) UpdateObject(id string, obj *ojson.Map) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updateObjectLocked(id, obj)
}

func (r *Replica) updateObjectLocked(id string, obj *ojson.Map) (string, bool, error) {
	tree, ok := r.forest.Get(id)
	if !ok {
		return r.createObjectLocked(id, obj)
	}
	winner, ok := tree.Winner()
	if !ok {
		return r.createObjectLocked(id, obj)
	}

	content := obj
	if isArrayDescriptor(id) {
		desc, err := arraydesc.FromObject(obj)
		if err != nil {
			return "", false, err
		}
		if desc.IsDiff() {
			return "", false, common.NewError(common.ErrMalformedInput, "update_object_requires_full_order")
		}
		patch, err := r.arrays.CreateDeltaDescriptor(desc.Order, tree)
		if err != nil {
			return "", false, err
		}
		if patch == nil {
			return "", false, nil
		}
		content = patch
	}

	d, err := digest.Object(content)
	if err != nil {
		return "", false, err
	}
	if d == winner.Digest() {
		return "", false, nil
	}

	rev := revision.NewUpdated(d, winner)
	tree.Add(rev, &winner, true)
	if err := r.objects.WriteObject(rev, content); err != nil {
		return "", false, err
	}
	return rev.Text(), true, nil
}

// DeleteObject inserts a new_deleted(winner) staging edge for uuid, if
// its current winner isn't already deleted or resolved. Returns
// ("", false, nil) for an unknown uuid or an already-dead object.
func (r *Replica) DeleteObject(id string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteObjectLocked(id)
}

func (r *Replica) deleteObjectLocked(id string) (string, bool, error) {
	tree, ok := r.forest.Get(id)
	if !ok {
		return "", false, nil
	}
	winner, ok := tree.Winner()
	if !ok {
		return "", false, common.NewError(common.ErrNoWinner, "object_has_no_winner")
	}
	if winner.IsDeleted() || winner.IsResolved() {
		return "", false, nil
	}
	rev := revision.NewDeleted(winner)
	tree.Add(rev, &winner, true)
	return rev.Text(), true, nil
}

// RemoveObject first unstages uuid's revision tree; if that empties
// it entirely (the object never had any committed history), it is
// dropped from the replica outright. Otherwise RemoveObject proceeds
// like DeleteObject.
func (r *Replica) RemoveObject(id string) (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tree, ok := r.forest.Get(id)
	if !ok {
		return "", false, nil
	}
	tree.Unstage()
	if tree.IsEmpty() {
		r.forest.Drop(id)
		return "", false, nil
	}
	return r.deleteObjectLocked(id)
}

// Update flattens obj into the per-object accumulator and reconciles
// the replica's state against it: every previously
// known uuid absent from the flattened result is deleted, every uuid
// present is created or updated. obj must flatten to the root
// identifier.
func (r *Replica) Update(obj *ojson.Map) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	acc := flatten.Accumulator{}
	root, err := flatten.Flatten(acc, obj, nil)
	if err != nil {
		return err
	}
	rootID, ok := root.(string)
	if !ok || rootID != common.RootID {
		return common.NewError(common.ErrMalformedInput, "invalid_root_id")
	}

	for _, id := range r.forest.UUIDs() {
		if _, present := acc[id]; present {
			continue
		}
		if _, _, err := r.deleteObjectLocked(id); err != nil {
			return err
		}
	}
	for id, stored := range acc {
		if _, _, err := r.updateObjectLocked(id, stored); err != nil {
			return err
		}
	}
	return nil
}

func (r *Replica) readObjectAtRevision(id string, tree *revtree.Tree, rev revision.Revision) (*ojson.Map, error) {
	if isArrayDescriptor(id) {
		order, err := r.arrays.MergedOrderAtRevision(tree, rev)
		if err != nil {
			return nil, err
		}
		return arraydesc.FromOrder(order).ToObject(), nil
	}
	return r.objects.ReadObject(rev)
}

// Read requires the root object to exist; for every uuid whose winner
// isn't deleted it reads the object at that revision (synthesizing a
// merged array order for array descriptors), attaches the uuid under
// the identifier field, and unflattens the result starting from the
// root.
func (r *Replica) Read() (*ojson.Map, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.forest.Get(common.RootID); !ok {
		return nil, common.NewError(common.ErrPrecondition, "no_root")
	}

	acc := flatten.Accumulator{}
	for _, id := range r.forest.UUIDs() {
		tree, ok := r.forest.Get(id)
		if !ok {
			continue
		}
		winner, ok := tree.Winner()
		if !ok || winner.IsDeleted() {
			continue
		}
		obj, err := r.readObjectAtRevision(id, tree, winner)
		if err != nil {
			return nil, err
		}
		obj = cloneObject(obj)
		obj.Set(common.IdentifierFieldKey, id)
		acc[id] = obj
	}

	if _, ok := acc[common.RootID]; !ok {
		return nil, common.NewError(common.ErrConsistencyViolation, "root_object_not_found")
	}
	result := flatten.Unflatten(acc, common.RootID)
	m, ok := result.(*ojson.Map)
	if !ok {
		return nil, common.NewError(common.ErrConsistencyViolation, "root_is_not_an_object")
	}
	return m, nil
}

// Commit auto-resolves every array descriptor still in conflict as
// its current winner (step (a)), then delegates block
// assembly and staged-edge promotion to the delta block engine
// (steps (b)-(g)). It returns the id of the newly written block.
func (r *Replica) Commit(info *ojson.Map) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.forest.UUIDs() {
		if !isArrayDescriptor(id) {
			continue
		}
		tree, ok := r.forest.Get(id)
		if !ok {
			continue
		}
		if len(tree.Leaves()) <= 1 {
			continue
		}
		winner, ok := tree.Winner()
		if !ok {
			continue
		}
		if _, err := r.resolveAsLocked(id, winner.Text()); err != nil {
			return "", err
		}
	}

	packed := r.objects.HasStage()
	blockID, err := r.blocks.Commit(r.forest, r.objects, info)
	if err != nil {
		return "", err
	}
	if r.metrics != nil {
		r.metrics.Commits.Inc()
		r.metrics.BlocksWritten.Inc()
		if packed {
			r.metrics.PacksWritten.Inc()
		}
	}
	return blockID, nil
}

// InConflict returns every uuid whose revision tree currently has more
// than one leaf.
func (r *Replica) InConflict() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for _, id := range r.forest.UUIDs() {
		if tree, ok := r.forest.Get(id); ok && tree.InConflict() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	if r.metrics != nil {
		r.metrics.ConflictsOpen.Set(float64(len(out)))
	}
	if len(out) > 0 {
		replicaLog.Warn().Strs("objects", out).Msg("objects in conflict")
	}
	return out
}

// GetWinner returns uuid's current dominant revision's text.
func (r *Replica) GetWinner(id string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tree, ok := r.forest.Get(id)
	if !ok {
		return "", common.ErrUnknownDocument
	}
	winner, ok := tree.Winner()
	if !ok {
		return "", common.NewError(common.ErrNoWinner, "no_winner")
	}
	return winner.Text(), nil
}

// GetConflicting returns the text of every leaf other than the
// winner — the set uuid must be resolved among before it stops being
// in conflict.
func (r *Replica) GetConflicting(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tree, ok := r.forest.Get(id)
	if !ok {
		return nil, common.ErrUnknownDocument
	}
	conflicting := tree.Conflicting()
	out := make([]string, len(conflicting))
	for i, c := range conflicting {
		out[i] = c.Text()
	}
	return out, nil
}

// ResolveAs picks winnerText, which must name a current leaf of an
// in-conflict uuid, as the object's permanent winner: it re-issues an
// update with the content at that revision (bumping the index so it
// becomes dominant under revision.Less regardless of which leaf was
// chosen), then demotes every other leaf with a new_resolved edge.
func (r *Replica) ResolveAs(id, winnerText string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveAsLocked(id, winnerText)
}

func (r *Replica) resolveAsLocked(id, winnerText string) (string, error) {
	winnerRev, err := revision.From(winnerText)
	if err != nil {
		return "", err
	}
	tree, ok := r.forest.Get(id)
	if !ok {
		return "", common.ErrUnknownDocument
	}

	leaves := tree.Leaves()
	found := false
	for _, l := range leaves {
		if l.Equal(winnerRev) {
			found = true
			break
		}
	}
	if !found {
		return "", common.ErrInvalidWinnerRevision
	}
	if len(leaves) <= 1 {
		return "", common.ErrNotInConflict
	}

	merged, err := r.readObjectAtRevision(id, tree, winnerRev)
	if err != nil {
		return "", err
	}
	if _, _, err := r.updateObjectLocked(id, merged); err != nil {
		return "", err
	}

	newWinner, ok := tree.Winner()
	if !ok {
		return "", common.NewError(common.ErrNoWinner, "no_winner")
	}
	for _, l := range tree.Leaves() {
		if l.Equal(newWinner) {
			continue
		}
		tree.Add(revision.NewResolved(l), &l, true)
	}
	replicaLog.Info().Str("object", id).Str("winner", newWinner.Text()).Msg("resolved conflict")
	return newWinner.Text(), nil
}

// HasStage reports whether the replica has any uncommitted state:
// staged data objects or staged revision-tree edges.
func (r *Replica) HasStage() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.objects.HasStage() || deltablock.HasStaging(r.forest)
}

// Stage serializes the replica's uncommitted state — staged data
// objects and staged revision-tree edges — into the wire form
// replay_stage on another replica consumes. Returns nil if there is
// nothing staged.
func (r *Replica) Stage() (*ojson.Map, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := ojson.NewMap()

	if staged := r.objects.Stage(); len(staged) > 0 {
		objs := ojson.NewMap()
		for key, data := range staged {
			val, err := ojson.Parse(data)
			if err != nil {
				return nil, common.Wrap(common.ErrMalformedInput, "decode staged object", err)
			}
			objs.Set(key, val)
		}
		out.Set(common.StageObjectsField, objs)
	}

	var changes []any
	for _, id := range r.forest.UUIDs() {
		tree, ok := r.forest.Get(id)
		if !ok {
			continue
		}
		for _, e := range tree.StagedEdges() {
			if !e.HasParent {
				changes = append(changes, []any{id, e.Revision.Digest()})
				continue
			}
			changes = append(changes, []any{id, e.Parent.Text(), e.Revision.Digest()})
		}
	}
	if len(changes) > 0 {
		out.Set(common.StageChangesField, changes)
	}

	if out.Len() == 0 {
		return nil, nil
	}
	return out, nil
}

// ReplayStage restores a stage value produced by Stage (typically from
// another replica) into this replica: staged objects are installed
// into the data store, staged changesets are replayed into fresh or
// existing revision trees. A nil staged value is a no-op.
func (r *Replica) ReplayStage(staged *ojson.Map) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if staged == nil {
		return nil
	}

	if rawObjs, ok := staged.Get(common.StageObjectsField); ok {
		objs, ok := rawObjs.(*ojson.Map)
		if !ok {
			return common.NewError(common.ErrMalformedInput, "stage_objects_not_an_object")
		}
		raw := make(map[string][]byte, objs.Len())
		for _, key := range objs.Keys() {
			val, _ := objs.Get(key)
			data, err := ojson.Marshal(val)
			if err != nil {
				return common.Wrap(common.ErrMalformedInput, "encode staged object", err)
			}
			raw[key] = data
		}
		r.objects.ReplayStage(raw)
	}

	if rawChanges, ok := staged.Get(common.StageChangesField); ok {
		changes, ok := rawChanges.([]any)
		if !ok {
			return common.NewError(common.ErrMalformedInput, "stage_changes_not_an_array")
		}
		for _, rec := range changes {
			record, ok := rec.([]any)
			if !ok {
				continue
			}
			change, err := deltablock.ParseChangeRecord(record)
			if err != nil {
				return err
			}
			tree := r.forest.GetOrCreate(change.UUID)
			if change.HasPar {
				tree.Add(change.Revision, &change.Parent, true)
			} else {
				tree.Add(change.Revision, nil, true)
			}
		}
	}
	return nil
}

// GetAnchors returns the current set of committed block ids not
// superseded by any other committed block.
func (r *Replica) GetAnchors() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blocks.GetAnchors()
}

// GetBlock returns a previously loaded delta block by id.
func (r *Replica) GetBlock(id string) (*deltablock.Block, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.blocks.GetBlock(id)
}

// GetParentRevision returns the parent of uuid's revision rev, if any.
func (r *Replica) GetParentRevision(id, revText string) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tree, ok := r.forest.Get(id)
	if !ok {
		return "", false, common.ErrUnknownDocument
	}
	rev, err := revision.From(revText)
	if err != nil {
		return "", false, err
	}
	parent, ok := tree.GetParent(rev)
	if !ok {
		return "", false, nil
	}
	return parent.Text(), true, nil
}

// Reload discards all in-memory state and rebuilds it from every pack
// and delta block the adapter holds. Fails if any staged edges exist.
func (r *Replica) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.blocks.Reload(r.forest, r.objects); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.Reloads.Inc()
	}
	return nil
}

// Refresh loads only newly appeared packs and blocks, applying
// whatever now validates. Fails if any staged edges exist.
func (r *Replica) Refresh() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.blocks.Refresh(r.forest, r.objects); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.Refreshes.Inc()
	}
	return nil
}

// ReloadUntil reloads like Reload, but applies only the transitive
// ancestors of anchors, leaving every other block valid-but-unapplied.
func (r *Replica) ReloadUntil(anchors []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.blocks.ReloadUntil(r.forest, r.objects, anchors); err != nil {
		return err
	}
	if r.metrics != nil {
		r.metrics.Reloads.Inc()
	}
	return nil
}

// Meld copies every pack, index, and delta block present in other's
// adapter but absent from this replica's, bit-exact. The caller must
// Refresh afterward to observe the melded history.
func (r *Replica) Meld(other store.Adapter) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	copied, err := r.blocks.Meld(other)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.Melds.Inc()
	}
	replicaLog.Debug().Int("copied", len(copied)).Msg("melded remote adapter")
	return copied, nil
}

// GC removes every pack and index not transitively reachable from the
// replica's current anchors.
func (r *Replica) GC() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reachable := r.blocks.ReachablePacks()
	removed, err := r.objects.CollectOrphans(reachable)
	if err != nil {
		return nil, err
	}
	if r.metrics != nil {
		r.metrics.OrphansGCed.Add(float64(len(removed)))
	}
	replicaLog.Debug().Int("removed", len(removed)).Msg("gc complete")
	return removed, nil
}
