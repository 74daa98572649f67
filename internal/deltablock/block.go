// Package deltablock implements delta blocks, the append-only JSON
// records a replica's commits produce, and the load/validate/apply
// protocol (reload, refresh, reload-until, meld) that lets a replica
// catch up on blocks it didn't write itself.
//
// A delta block is a mutex-guarded, monotonically-sequenced,
// replay-by-handler unit much like a write-ahead log segment, except
// it is addressed by its own SHA-256 digest instead of a sequence
// range, and "replay" means folding its changes into a revision tree
// instead of a key-value store.
package deltablock

import (
	"deltacrdt/internal/common"
	"deltacrdt/internal/ojson"
	"deltacrdt/internal/revision"
)

// Status is a block's validation state (state machine:
// Unknown -> Valid -> ValidAndApplied; Unknown -> Invalid -> Unknown).
type Status int

const (
	StatusUnknown Status = iota
	StatusValid
	StatusValidAndApplied
	StatusInvalid
)

// Change is one entry in a block's changeset: an object's new edge,
// with its parent only if this isn't the object's creation.
type Change struct {
	UUID     string
	Revision revision.Revision
	Parent   revision.Revision
	HasPar   bool
}

// Block is a parsed delta block.
type Block struct {
	ID      string
	Parents []string
	Info    *ojson.Map
	Packs   []string
	Changes []Change
	Status  Status
}

// ParseRaw decodes a delta block's raw JSON form (as read from
// adapter storage) into a Block, validating every referenced pack via
// packValid. A block with no changesets field parses to an otherwise
// empty Block — allows empty-changeset commits.
func ParseRaw(id string, raw *ojson.Map, packValid func(string) bool) (*Block, error) {
	b := &Block{ID: id, Status: StatusUnknown}

	changesRaw, hasChanges := raw.Get(common.BlockFieldChanges)
	if !hasChanges {
		return b, nil
	}

	if packsRaw, ok := raw.Get(common.BlockFieldPacks); ok {
		packs, ok := packsRaw.([]any)
		if !ok {
			return nil, common.NewError(common.ErrMalformedInput, "packs_not_an_array")
		}
		ids := make([]string, 0, len(packs))
		for _, p := range packs {
			s, ok := p.(string)
			if !ok || !packValid(s) {
				return nil, common.NewError(common.ErrMalformedInput, "missing_packs")
			}
			ids = append(ids, s)
		}
		if len(ids) > 0 {
			b.Packs = ids
		}
	}

	if infoRaw, ok := raw.Get(common.BlockFieldInfo); ok {
		info, ok := infoRaw.(*ojson.Map)
		if !ok {
			return nil, common.NewError(common.ErrMalformedInput, "info_not_an_object")
		}
		b.Info = info
	}

	if parentsRaw, ok := raw.Get(common.BlockFieldParents); ok {
		parents, ok := parentsRaw.([]any)
		if !ok {
			return nil, common.NewError(common.ErrMalformedInput, "parents_not_an_array")
		}
		var ps []string
		for _, p := range parents {
			if s, ok := p.(string); ok {
				ps = append(ps, s)
			}
		}
		b.Parents = ps
	}

	changes, ok := changesRaw.([]any)
	if !ok {
		return nil, common.NewError(common.ErrMalformedInput, "changesets_not_an_array")
	}
	var cs []Change
	for _, rawRecord := range changes {
		record, ok := rawRecord.([]any)
		if !ok {
			continue
		}
		change, err := parseChangeRecord(record)
		if err != nil {
			return nil, err
		}
		cs = append(cs, change)
	}
	if len(cs) > 0 {
		b.Changes = cs
	}
	return b, nil
}

// ParseChangeRecord decodes one changeset entry — a 2-tuple
// [uuid, digest] for a creation or a 3-tuple [uuid, parentText, digest]
// for an update — into a Change. Exported for internal/replica's
// replay_stage, which needs the same decoding this package uses for
// committed blocks.
func ParseChangeRecord(record []any) (Change, error) {
	return parseChangeRecord(record)
}

func parseChangeRecord(record []any) (Change, error) {
	switch len(record) {
	case 2:
		uuid, ok1 := record[0].(string)
		digestStr, ok2 := record[1].(string)
		if !ok1 || !ok2 {
			return Change{}, common.NewError(common.ErrMalformedInput, "invalid_changes_record")
		}
		return Change{UUID: uuid, Revision: revision.New(1, digestStr, nil)}, nil
	case 3:
		uuid, ok1 := record[0].(string)
		prevText, ok2 := record[1].(string)
		digestStr, ok3 := record[2].(string)
		if !ok1 || !ok2 || !ok3 {
			return Change{}, common.NewError(common.ErrMalformedInput, "invalid_changes_record")
		}
		prev, err := revision.From(prevText)
		if err != nil {
			return Change{}, err
		}
		return Change{
			UUID:     uuid,
			Revision: revision.New(prev.Index()+1, digestStr, &prev),
			Parent:   prev,
			HasPar:   true,
		}, nil
	default:
		return Change{}, common.NewError(common.ErrMalformedInput, "invalid_changes_record")
	}
}

// changesToRaw renders a changeset back to the stored record form: a
// 2-tuple [uuid, digest] for a creation, a 3-tuple
// [uuid, parentText, digest] for an update. Used by Engine.Commit when
// assembling a block to write; Status is never serialized, it's
// derived on load.
func changesToRaw(changes []Change) []any {
	out := make([]any, 0, len(changes))
	for _, c := range changes {
		if !c.HasPar {
			out = append(out, []any{c.UUID, c.Revision.Digest()})
			continue
		}
		out = append(out, []any{c.UUID, c.Parent.Text(), c.Revision.Digest()})
	}
	return out
}
