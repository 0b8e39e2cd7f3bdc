package eventstore

import (
	"maps"
	"slices"

	jsoniter "github.com/json-iterator/go"
)

const (
	MetadataKeyCorrelationID = "correlationId"
	MetadataKeyCausationID   = "causationId"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Metadata is an immutable, open key/value map attached to an event at commit time.
// Every modifying method returns a new Metadata and leaves the receiver untouched.
type Metadata struct {
	values map[string]any
}

// NewMetadata copies values into a new Metadata.
func NewMetadata(values map[string]any) Metadata {
	return Metadata{values: maps.Clone(values)}
}

// MetadataFromJSON decodes a JSON object. Empty input yields empty Metadata.
func MetadataFromJSON(metadataJSON []byte) (Metadata, error) {
	if len(metadataJSON) == 0 {
		return Metadata{}, nil
	}

	values := make(map[string]any)
	if err := json.Unmarshal(metadataJSON, &values); err != nil {
		return Metadata{}, ErrInvalidMetadataJSON
	}

	return Metadata{values: values}, nil
}

// With returns a copy of m with key set to value.
func (m Metadata) With(key string, value any) Metadata {
	values := maps.Clone(m.values)
	if values == nil {
		values = make(map[string]any, 1)
	}

	values[key] = value

	return Metadata{values: values}
}

// Merge returns a copy of m overlaid with other. On key conflicts other wins.
func (m Metadata) Merge(other Metadata) Metadata {
	if len(other.values) == 0 {
		return m
	}

	values := maps.Clone(m.values)
	if values == nil {
		values = make(map[string]any, len(other.values))
	}

	maps.Copy(values, other.values)

	return Metadata{values: values}
}

func (m Metadata) Get(key string) (any, bool) {
	value, ok := m.values[key]

	return value, ok
}

// GetString returns the value for key if it is a string.
func (m Metadata) GetString(key string) (string, bool) {
	value, ok := m.values[key].(string)

	return value, ok
}

func (m Metadata) CorrelationID() string {
	value, _ := m.GetString(MetadataKeyCorrelationID)

	return value
}

func (m Metadata) CausationID() string {
	value, _ := m.GetString(MetadataKeyCausationID)

	return value
}

func (m Metadata) Len() int {
	return len(m.values)
}

// Keys returns the keys in sorted order.
func (m Metadata) Keys() []string {
	return slices.Sorted(maps.Keys(m.values))
}

// ToMap returns a copy of the underlying values.
func (m Metadata) ToMap() map[string]any {
	values := maps.Clone(m.values)
	if values == nil {
		return map[string]any{}
	}

	return values
}

// ToJSON encodes m as a JSON object, "{}" when empty.
func (m Metadata) ToJSON() ([]byte, error) {
	if len(m.values) == 0 {
		return []byte("{}"), nil
	}

	return json.Marshal(m.values)
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	return m.ToJSON()
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	decoded, err := MetadataFromJSON(data)
	if err != nil {
		return err
	}

	*m = decoded

	return nil
}
