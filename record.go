package storedmap

import "encoding/json"

// tagSentinel stands in for an empty tag list in the serialised form. Some
// search back ends cannot index a record carrying zero facet values; rather
// than push that constraint into every driver, the core always persists at
// least one tag and substitutes it back to an empty slice on read.
const tagSentinel = "\x00storedmap:no-tags\x00"

// OrderedMap is the ordered key-to-value tree a Payload carries. Values may
// be scalars, []any, or nested *OrderedMap instances.
type OrderedMap struct {
	keys   []string
	values map[string]any
}

// NewOrderedMap returns an empty OrderedMap.
func NewOrderedMap() *OrderedMap {
	return &OrderedMap{values: make(map[string]any)}
}

// Get returns the value at key and whether it was present.
func (m *OrderedMap) Get(key string) (any, bool) {
	v, ok := m.values[key]
	return v, ok
}

// Set inserts or overwrites key, appending it to the key order on first
// insertion.
func (m *OrderedMap) Set(key string, value any) {
	if _, exists := m.values[key]; !exists {
		m.keys = append(m.keys, key)
	}
	m.values[key] = value
}

// Delete removes key, if present.
func (m *OrderedMap) Delete(key string) {
	if _, exists := m.values[key]; !exists {
		return
	}
	delete(m.values, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (m *OrderedMap) Keys() []string {
	out := make([]string, len(m.keys))
	copy(out, m.keys)
	return out
}

// Len reports the number of entries.
func (m *OrderedMap) Len() int { return len(m.keys) }

// MarshalJSON emits the map as a JSON object, preserving Go's own
// marshalling of nested OrderedMap/[]any/scalar values. Field order is not
// preserved by encoding/json's object representation; ordering is retained
// in memory via Keys for callers that care (e.g. re-displaying a record),
// not in the wire format.
func (m *OrderedMap) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.values)
}

// UnmarshalJSON populates the map from a JSON object. Key order is the
// order json.Decoder's token stream yields, which for Go's map-based decode
// is unspecified; callers that require stable ordering should sort Keys()
// themselves.
func (m *OrderedMap) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.values = raw
	m.keys = make([]string, 0, len(raw))
	for k := range raw {
		m.keys = append(m.keys, k)
	}
	return nil
}

// payload is the in-memory, mutable state of a record: an ordered tree, an
// opaque sort value, an optional secondary key, and a tag list. It mirrors
// the Java MapData tuple (spec §3).
type payload struct {
	tree         *OrderedMap
	sortValue    any
	secondaryKey string
	tags         []string
	removed      bool
}

func newPayload() *payload {
	return &payload{tree: NewOrderedMap()}
}

// payloadWire is payload's on-disk representation for the primary blob
// index.
type payloadWire struct {
	Tree         *OrderedMap `json:"tree"`
	SortValue    any         `json:"sortValue,omitempty"`
	SecondaryKey string      `json:"secondaryKey,omitempty"`
	Tags         []string    `json:"tags,omitempty"`
}

func (p *payload) marshal() ([]byte, error) {
	tags := p.tags
	if len(tags) == 0 {
		tags = []string{tagSentinel}
	}
	return json.Marshal(payloadWire{
		Tree:         p.tree,
		SortValue:    p.sortValue,
		SecondaryKey: p.secondaryKey,
		Tags:         tags,
	})
}

func unmarshalPayload(data []byte) (*payload, error) {
	var wire payloadWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, err
	}
	tree := wire.Tree
	if tree == nil {
		tree = NewOrderedMap()
	}
	tags := wire.Tags
	if len(tags) == 1 && tags[0] == tagSentinel {
		tags = nil
	}
	return &payload{
		tree:         tree,
		sortValue:    wire.SortValue,
		secondaryKey: wire.SecondaryKey,
		tags:         tags,
	}, nil
}
