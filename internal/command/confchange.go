package command

import (
	"encoding/json"
	"fmt"

	regionpkg "rangekv/internal/region"
)

// ConfChangeContext rides in raftpb.ConfChange.Context and carries the peer
// metadata the conf change introduces or removes, plus the proposer's epoch
// for staleness checks at apply time.
type ConfChangeContext struct {
	Peer  regionpkg.Peer  `json:"peer"`
	Epoch regionpkg.Epoch `json:"epoch"`
}

// MarshalConfChangeContext encodes the context payload.
func MarshalConfChangeContext(cc ConfChangeContext) ([]byte, error) {
	return json.Marshal(cc)
}

// UnmarshalConfChangeContext decodes a conf change context payload.
func UnmarshalConfChangeContext(data []byte) (ConfChangeContext, error) {
	if len(data) == 0 {
		return ConfChangeContext{}, fmt.Errorf("empty conf change context")
	}
	var cc ConfChangeContext
	if err := json.Unmarshal(data, &cc); err != nil {
		return ConfChangeContext{}, err
	}
	return cc, nil
}
