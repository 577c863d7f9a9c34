package codec

import (
	"encoding/json"
	"fmt"
)

// Serializer encodes and decodes application messages. Implementations are
// registered by name in a Registry; the name travels with every envelope as
// its content-encoding property.
type Serializer interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	Name() string
}

// JSONSerializer serializes messages with encoding/json.
type JSONSerializer struct{}

func (JSONSerializer) Name() string { return "json" }

func (JSONSerializer) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONSerializer) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// RawSerializer passes byte slices and strings through unchanged. It is meant
// for payloads that are already encoded by the application.
type RawSerializer struct{}

func (RawSerializer) Name() string { return "raw" }

func (RawSerializer) Marshal(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	return nil, fmt.Errorf("raw serializer expects []byte or string, got %T", v)
}

func (RawSerializer) Unmarshal(data []byte, v interface{}) error {
	switch out := v.(type) {
	case *[]byte:
		*out = data
		return nil
	case *string:
		*out = string(data)
		return nil
	}
	return fmt.Errorf("raw serializer expects *[]byte or *string, got %T", v)
}

// Registry maps serializer names to serializers. Lookups for unknown or empty
// names fall back to the configured default instead of failing, so a peer
// using an unregistered encoding degrades to the default rather than breaking
// the consumer.
type Registry struct {
	serializers map[string]Serializer
	fallback    Serializer
}

// NewRegistry creates a registry with the given default serializer. The
// default is registered as well.
func NewRegistry(fallback Serializer) *Registry {
	r := &Registry{
		serializers: make(map[string]Serializer),
		fallback:    fallback,
	}
	r.Register(fallback)
	return r
}

// DefaultRegistry returns a registry with the JSON and raw serializers,
// defaulting to JSON.
func DefaultRegistry() *Registry {
	r := NewRegistry(JSONSerializer{})
	r.Register(RawSerializer{})
	return r
}

// Register adds a serializer under its own name, replacing any previous
// serializer with that name.
func (r *Registry) Register(s Serializer) {
	r.serializers[s.Name()] = s
}

// Lookup returns the serializer registered under name and whether it was
// found.
func (r *Registry) Lookup(name string) (Serializer, bool) {
	s, ok := r.serializers[name]
	return s, ok
}

// Resolve returns the serializer for name, or the default serializer if name
// is empty or unknown.
func (r *Registry) Resolve(name string) Serializer {
	if s, ok := r.serializers[name]; ok {
		return s
	}
	return r.fallback
}

// NameOf returns the registered name of a serializer.
func (r *Registry) NameOf(s Serializer) string {
	return s.Name()
}
