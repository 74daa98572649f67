package common

import "encoding/json"

// Identifier conventions. These symbols are load-bearing for
// cross-implementation interop and must be preserved byte-for-byte.
const (
	// RootID is the distinguished identifier of the document's top-level
	// JSON value.
	RootID = "@"

	// ArrayDescPrefix marks an identifier as denoting an array-descriptor
	// object rather than a user object. User identifiers may not start
	// with this prefix.
	ArrayDescPrefix = "Δ" // Δ, Greek capital delta

	// FlattenSuffix marks an object field whose value should be promoted
	// into a separately addressed stored object when it flattens to an
	// array.
	FlattenSuffix = "♭" // ♭, musical flat

	// StringEscapePrefix distinguishes a stored string value from a
	// string that happens to look like an identifier reference.
	StringEscapePrefix = "!"

	// HashFieldKey names the field carrying an explicit content digest
	// (used by character-literal shortcuts to bypass storage).
	HashFieldKey = "#"

	// IdentifierFieldKey names the field under which an object's
	// identifier is attached on read, and under which a caller may
	// supply an explicit identifier on write.
	IdentifierFieldKey = "_id"
)

// Sentinel revision digests.
const (
	SentinelDeleted  = "d"
	SentinelEmpty    = "e"
	SentinelResolved = "r"
)

// Delta block field keys. BlockFieldChangesAlt ("C")
// is reserved by the wire format alongside the others but unused by any
// operation this engine performs; it is kept so a block carrying it
// round-trips without losing the field.
const (
	BlockFieldChanges    = "c"
	BlockFieldChangesAlt = "C"
	BlockFieldInfo       = "i"
	BlockFieldPacks      = "k"
	BlockFieldParents    = "p"
)

// Array descriptor patch op codes.
const (
	PatchOpInsert = "i"
	PatchOpDelete = "d"
)

// Array descriptor field keys: a descriptor carries exactly one of a
// full order or a delta order, never both.
const (
	ArrayDescOrderField      = "o"
	ArrayDescDeltaOrderField = "do"
)

// Stage wire-format field keys: a staged value carries an optional
// staged-objects map under the same letter as an array descriptor's
// order field and an optional staged-changesets array under the same
// letter as a block's changeset field — distinct namespaces that
// happen to reuse the single-letter convention the rest of the wire
// format uses.
const (
	StageObjectsField = "o"
	StageChangesField = "c"
)

// Location names a byte range within a pack: the "(offset, length)"
// pair recorded per staged or packed object. It marshals as the
// two-element JSON array the index sidecar format requires
// (digest -> [offset, length]), not as an object.
type Location struct {
	Offset int
	Length int
}

func (l Location) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{l.Offset, l.Length})
}

func (l *Location) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	l.Offset, l.Length = pair[0], pair[1]
	return nil
}
