package store

import (
	"encoding/json"
	"fmt"

	"deltacrdt/internal/common"
)

// packIndex is the sidecar format for a <digest>.index key: a flat JSON
// object mapping each packed object's digest to its [offset, length]
// within the pack, a narrower cousin of a full primary/secondary index
// subsystem kept deliberately to this one map.
type packIndex map[string]common.Location

func marshalPackIndex(idx packIndex) ([]byte, error) {
	data, err := json.Marshal(idx)
	if err != nil {
		return nil, fmt.Errorf("store: marshal pack index: %w", err)
	}
	return data, nil
}

func unmarshalPackIndex(data []byte) (packIndex, error) {
	var idx packIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("store: unmarshal pack index: %w", err)
	}
	return idx, nil
}
