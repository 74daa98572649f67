// Package revision implements the tagged revision identifier, its text
// encoding, and the total order used to pick winners. It plays the
// role a per-key version list ordered newest-first plays in a
// multi-version store, generalized from a flat counter to the
// (index, digest, tail) triple a CRDT needs so a revision's identity
// survives being written to a different replica and read back.
package revision

import (
	"fmt"
	"regexp"
	"strconv"

	"deltacrdt/internal/common"
	"deltacrdt/internal/digest"
)

// Revision is a triple: an index starting at 1 and incrementing per
// update, a digest (content hash, sentinel, or character code), and an
// optional 7-hex-char tail derived from the parent's textual form.
type Revision struct {
	index  uint32
	digest string
	tail   string // empty iff index == 1
}

var (
	reWithTail    = regexp.MustCompile(`^(\d+)-(\w+)_(\w+)$`)
	reWithoutTail = regexp.MustCompile(`^(\d+)-(\w+)$`)
)

// New builds a revision from its parts. parent is used only to derive
// the tail (first 7 hex chars of SHA-256 over the parent's textual
// form); pass nil for index 1.
func New(index uint32, digestStr string, parent *Revision) Revision {
	r := Revision{index: index, digest: digestStr}
	if parent != nil {
		r.tail = tailOf(*parent)
	}
	return r
}

// NewUpdated builds the revision that follows parent with a new content
// digest.
func NewUpdated(digestStr string, parent Revision) Revision {
	return New(parent.index+1, digestStr, &parent)
}

// NewDeleted builds the tombstone revision following parent.
func NewDeleted(parent Revision) Revision {
	return New(parent.index+1, common.SentinelDeleted, &parent)
}

// NewResolved builds the sentinel revision that permanently demotes a
// losing leaf, following parent.
func NewResolved(parent Revision) Revision {
	return New(parent.index+1, common.SentinelResolved, &parent)
}

// NewEmpty builds the sentinel revision for an object whose content
// serializes to nothing, following parent.
func NewEmpty(parent Revision) Revision {
	return New(parent.index+1, common.SentinelEmpty, &parent)
}

// tailOf computes the 7-hex-char tail derived from a parent revision's
// textual form.
func tailOf(parent Revision) string {
	h := digest.String(parent.Text())
	return h[:7]
}

// From parses a revision's textual form ("i-digest" or "i-digest_tail")
// against two regexes, one per shape.
func From(text string) (Revision, error) {
	if m := reWithTail.FindStringSubmatch(text); m != nil {
		idx, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return Revision{}, malformed(text)
		}
		return Revision{index: uint32(idx), digest: m[2], tail: m[3]}, nil
	}
	if m := reWithoutTail.FindStringSubmatch(text); m != nil {
		idx, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return Revision{}, malformed(text)
		}
		return Revision{index: uint32(idx), digest: m[2]}, nil
	}
	return Revision{}, malformed(text)
}

func malformed(text string) error {
	return common.Wrap(common.ErrMalformedInput, "malformed revision", fmt.Errorf("%q", text))
}

// Text renders the revision's textual form: "i-digest" when there is no
// tail, else "i-digest_tail".
func (r Revision) Text() string {
	if r.tail == "" {
		return fmt.Sprintf("%d-%s", r.index, r.digest)
	}
	return fmt.Sprintf("%d-%s_%s", r.index, r.digest, r.tail)
}

// Digest returns the revision's digest component.
func (r Revision) Digest() string { return r.digest }

// Index returns the revision's index component.
func (r Revision) Index() uint32 { return r.index }

// Tail returns the revision's tail component, or "" if absent.
func (r Revision) Tail() string { return r.tail }

// IsZero reports whether r is the unset zero value (no digest).
func (r Revision) IsZero() bool { return r.digest == "" && r.index == 0 }

func (r Revision) IsDeleted() bool  { return r.digest == common.SentinelDeleted }
func (r Revision) IsResolved() bool { return r.digest == common.SentinelResolved }
func (r Revision) IsEmpty() bool    { return r.digest == common.SentinelEmpty }

// IsCharcode reports whether the digest is a 1-8 hex-char character
// literal rather than a content hash or sentinel.
func (r Revision) IsCharcode() bool {
	if len(r.digest) == 0 || len(r.digest) > 8 {
		return false
	}
	if r.IsDeleted() || r.IsResolved() || r.IsEmpty() {
		// "d", "e", "r" are themselves <= 8 hex-parseable chars only
		// when they happen to be valid hex digits; the three sentinels
		// and charcode are mutually exclusive, so the sentinel check wins.
		if len(r.digest) == 1 {
			return false
		}
	}
	_, err := strconv.ParseUint(r.digest, 16, 32)
	return err == nil
}

// Less reports whether r sorts strictly before other under the total
// order used to pick a winner among conflicting revisions:
//
//  1. a "resolved" sentinel revision is strictly less than any
//     non-resolved revision; two resolved revisions compare
//     lexicographically by textual form.
//  2. otherwise, compare index numerically; ties break by lexicographic
//     comparison of the textual form.
func (r Revision) Less(other Revision) bool {
	rResolved, oResolved := r.IsResolved(), other.IsResolved()
	if rResolved != oResolved {
		return rResolved // resolved < non-resolved
	}
	if rResolved && oResolved {
		return r.Text() < other.Text()
	}
	if r.index != other.index {
		return r.index < other.index
	}
	return r.Text() < other.Text()
}

// Max returns the greater of a and b under Less.
func Max(a, b Revision) Revision {
	if a.Less(b) {
		return b
	}
	return a
}

// Equal reports whether two revisions have the same textual form.
func (r Revision) Equal(other Revision) bool {
	return r.Text() == other.Text()
}

func (r Revision) String() string { return r.Text() }
