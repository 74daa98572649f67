package store

import (
	"deltacrdt/internal/common"
)

// Deleter is an optional capability an Adapter may implement to let GC
// actually remove unreachable objects. The base three-method contract
// has no delete operation — packs are meant to accumulate — so
// CollectOrphans degrades gracefully to a dry-run report against any
// adapter that doesn't implement it.
type Deleter interface {
	DeleteObject(key string) error
}

// CollectOrphans finds every `.pack` key the adapter holds whose pack id
// is not named by reachablePacks (the packs the delta block engine's
// anchors still transitively reference, from deltablock's
// Engine.ReachablePacks). When the adapter implements Deleter it removes
// each such pack and its `.index` sidecar itself and returns the ids it
// removed; otherwise it removes nothing and returns the orphan ids.
func (s *Store) CollectOrphans(reachablePacks map[string]bool) ([]string, error) {
	s.mu.RLock()
	adapter := s.adapter
	s.mu.RUnlock()

	packIDs, err := adapter.ListObjects(".pack")
	if err != nil {
		return nil, common.Wrap(common.ErrAdapterIO, "list packs for gc", err)
	}

	var orphans []string
	for _, id := range packIDs {
		if reachablePacks[id] {
			continue
		}
		orphans = append(orphans, id)
	}

	deleter, ok := adapter.(Deleter)
	if !ok {
		return orphans, nil
	}

	var removed []string
	for _, id := range orphans {
		if err := deleter.DeleteObject(id + ".pack"); err != nil {
			continue
		}
		_ = deleter.DeleteObject(id + ".index") // sidecar may not exist
		removed = append(removed, id)
	}
	if len(removed) > 0 {
		storeLog.Info().Strs("packs", removed).Msg("gc removed unreachable packs")
	}
	return removed, nil
}
