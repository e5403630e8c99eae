package layout

import "encoding/json"

// PersistedTab is one saved tab. Layout may be nil for an empty tab.
type PersistedTab struct {
	Name   string `json:"name"`
	Layout *Node  `json:"layout"`
}

// PersistedLayout is the saved terminal workspace for one project path.
// Zero tabs is a valid, explicit empty state.
type PersistedLayout struct {
	Tabs           []PersistedTab `json:"tabs"`
	ActiveTabIndex int            `json:"activeTabIndex"`
}

// Encode serializes the layout for storage.
func (p *PersistedLayout) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodePersisted parses a stored layout blob.
func DecodePersisted(data []byte) (*PersistedLayout, error) {
	var p PersistedLayout
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return &p, nil
}
