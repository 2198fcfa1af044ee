// Package transport implements the messaging substrate described in
// spec §4.1 and §9: named, schema-validated messages carried over
// persistent connections in three semantic socket roles (REQ/REP,
// ROUTER/DEALER, PUSH/PULL). The physical carrier is a websocket
// connection (see socket.go); this file defines the message shape and
// the schema registry every tag is validated against on both send and
// receive, per spec §4.1 ("The substrate validates schemas on both
// send and receive; a schema violation on receive is a protocol
// error").
package transport

import (
	"fmt"
	"sync"
	"time"
)

// Kind enumerates the typed value kinds a Message payload may carry.
// Every field is unambiguous on the wire: integers, timestamps and
// durations never share a representation (spec §9).
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindString
	KindTimestamp
	KindDuration
	KindBytes
	KindArray
)

// Spec describes one positional field of a message payload.
type Spec struct {
	Name string
	Kind Kind
	// Elem is the element Spec when Kind == KindArray.
	Elem *Spec
}

// Schema is the registered shape for one message tag.
type Schema struct {
	Tag    string
	Fields []Spec
}

// Message is one wire message: a short tag plus a positional payload.
// A Message with no payload fields may be sent as a bare tag.
type Message struct {
	Tag     string
	Payload []Value
}

// Value is one payload field. Exactly one of the typed accessors is
// meaningful, selected by Kind.
type Value struct {
	Kind  Kind
	Bool  bool
	Int   int64
	Str   string
	Time  time.Time
	Dur   time.Duration
	Bytes []byte
	Array []Value
}

func VBool(b bool) Value                { return Value{Kind: KindBool, Bool: b} }
func VInt(i int64) Value                { return Value{Kind: KindInt, Int: i} }
func VString(s string) Value            { return Value{Kind: KindString, Str: s} }
func VTimestamp(t time.Time) Value      { return Value{Kind: KindTimestamp, Time: t.UTC()} }
func VDuration(d time.Duration) Value   { return Value{Kind: KindDuration, Dur: d} }
func VBytes(b []byte) Value             { return Value{Kind: KindBytes, Bytes: b} }
func VArray(vs []Value) Value           { return Value{Kind: KindArray, Array: vs} }

// Registry is a set of schemas, keyed by tag, validated against on
// send and receive. Component packages register their tags once, when
// they build their registry, via MustRegister.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

// NewRegistry returns an empty schema Registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// Register adds a schema. It is an error to register the same tag
// twice with a different shape.
func (r *Registry) Register(s Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.schemas[s.Tag]; ok {
		if !sameSchema(existing, s) {
			return fmt.Errorf("transport: tag %q already registered with a different schema", s.Tag)
		}
		return nil
	}
	r.schemas[s.Tag] = s
	return nil
}

// MustRegister is Register, panicking on error. Intended for package
// init blocks registering fixed, known-good schemas.
func (r *Registry) MustRegister(s Schema) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Lookup returns the schema for tag, if registered.
func (r *Registry) Lookup(tag string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[tag]
	return s, ok
}

// Validate checks m's payload against its registered schema. An
// unregistered tag, arity mismatch, or kind mismatch is a protocol
// error per spec §7.
func (r *Registry) Validate(m Message) error {
	schema, ok := r.Lookup(m.Tag)
	if !ok {
		return fmt.Errorf("transport: unknown tag %q", m.Tag)
	}
	if len(m.Payload) != len(schema.Fields) {
		return fmt.Errorf("transport: tag %q expects %d fields, got %d", m.Tag, len(schema.Fields), len(m.Payload))
	}
	for i, field := range schema.Fields {
		if err := validateValue(field, m.Payload[i]); err != nil {
			return fmt.Errorf("transport: tag %q field %d (%s): %w", m.Tag, i, field.Name, err)
		}
	}
	return nil
}

func validateValue(spec Spec, v Value) error {
	if v.Kind != spec.Kind {
		return fmt.Errorf("expected kind %d, got %d", spec.Kind, v.Kind)
	}
	if spec.Kind == KindArray {
		if spec.Elem == nil {
			return fmt.Errorf("array spec missing element type")
		}
		for i, elem := range v.Array {
			if err := validateValue(*spec.Elem, elem); err != nil {
				return fmt.Errorf("array element %d: %w", i, err)
			}
		}
	}
	return nil
}

func sameSchema(a, b Schema) bool {
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if a.Fields[i].Kind != b.Fields[i].Kind || a.Fields[i].Name != b.Fields[i].Name {
			return false
		}
	}
	return true
}

// Bare constructs a Message with no payload, for tags sent without
// arguments (e.g. BYE, SLEEP, DIE, CONT).
func Bare(tag string) Message { return Message{Tag: tag} }

// New constructs a Message from a tag and ordered values.
func New(tag string, values ...Value) Message {
	return Message{Tag: tag, Payload: values}
}
