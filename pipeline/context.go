// ABOUTME: Tagged ContextValue union and the thread-safe dotted-key context store shared across stages.
// ABOUTME: Handlers read snapshots; the runner is the sole writer via Outcome.ContextUpdates.
package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
)

// ValueKind discriminates the variants of a Value.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt
	KindBool
	KindList
	KindRecord
)

// Value is a tagged context value: string, integer, boolean, string list,
// or a nested record. Unknown shapes are rejected at ingress by FromAny.
type Value struct {
	Kind   ValueKind
	Str    string
	Int    int64
	Bool   bool
	List   []string
	Record map[string]Value
}

// StringValue wraps a string.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// IntValue wraps an integer.
func IntValue(n int64) Value { return Value{Kind: KindInt, Int: n} }

// BoolValue wraps a boolean.
func BoolValue(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// ListValue wraps a string list. The slice is copied.
func ListValue(items []string) Value {
	list := make([]string, len(items))
	copy(list, items)
	return Value{Kind: KindList, List: list}
}

// RecordValue wraps a nested record. The map is copied one level deep.
func RecordValue(fields map[string]Value) Value {
	rec := make(map[string]Value, len(fields))
	for k, v := range fields {
		rec[k] = v
	}
	return Value{Kind: KindRecord, Record: rec}
}

// FromAny converts a loosely typed value (as produced by JSON decoding or
// handler code) into a tagged Value. Floats must be integral; lists must
// contain only strings; maps nest recursively. Anything else is an error.
func FromAny(v any) (Value, error) {
	switch t := v.(type) {
	case string:
		return StringValue(t), nil
	case bool:
		return BoolValue(t), nil
	case int:
		return IntValue(int64(t)), nil
	case int64:
		return IntValue(t), nil
	case float64:
		if t != math.Trunc(t) {
			return Value{}, fmt.Errorf("context value %v: non-integral numbers are not supported", t)
		}
		return IntValue(int64(t)), nil
	case []string:
		return ListValue(t), nil
	case []any:
		list := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return Value{}, fmt.Errorf("context list element %v (%T): only string lists are supported", item, item)
			}
			list = append(list, s)
		}
		return Value{Kind: KindList, List: list}, nil
	case map[string]any:
		rec := make(map[string]Value, len(t))
		for k, item := range t {
			val, err := FromAny(item)
			if err != nil {
				return Value{}, fmt.Errorf("record field %q: %w", k, err)
			}
			rec[k] = val
		}
		return Value{Kind: KindRecord, Record: rec}, nil
	case map[string]Value:
		return RecordValue(t), nil
	case Value:
		return t, nil
	case nil:
		return StringValue(""), nil
	default:
		return Value{}, fmt.Errorf("unsupported context value type %T", v)
	}
}

// Any returns the plain-JSON shape of the value.
func (v Value) Any() any {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindInt:
		return v.Int
	case KindBool:
		return v.Bool
	case KindList:
		list := make([]any, len(v.List))
		for i, s := range v.List {
			list[i] = s
		}
		return list
	case KindRecord:
		rec := make(map[string]any, len(v.Record))
		for k, f := range v.Record {
			rec[k] = f.Any()
		}
		return rec
	default:
		return nil
	}
}

// MarshalJSON renders the value in its plain-JSON shape.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.Any())
}

// UnmarshalJSON decodes a plain JSON value through FromAny ingress rules.
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// Equal reports deep equality of two values.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindInt:
		return v.Int == o.Int
	case KindBool:
		return v.Bool == o.Bool
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if v.List[i] != o.List[i] {
				return false
			}
		}
		return true
	case KindRecord:
		if len(v.Record) != len(o.Record) {
			return false
		}
		for k, f := range v.Record {
			of, ok := o.Record[k]
			if !ok || !f.Equal(of) {
				return false
			}
		}
		return true
	}
	return false
}

// Context is a thread-safe store of dotted-path keys to tagged values,
// shared across pipeline stages. Keys are case-sensitive.
type Context struct {
	values map[string]Value
	mu     sync.RWMutex
}

// NewContext creates an empty Context.
func NewContext() *Context {
	return &Context{values: make(map[string]Value)}
}

// Set stores a value under key.
func (c *Context) Set(key string, value Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// SetString stores a string value under key.
func (c *Context) SetString(key, value string) {
	c.Set(key, StringValue(value))
}

// Get retrieves the value for key.
func (c *Context) Get(key string) (Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the string value for key. Missing keys and non-string
// values return defaultVal; routing depends on the "" fallback.
func (c *Context) GetString(key, defaultVal string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	if !ok || v.Kind != KindString {
		return defaultVal
	}
	return v.Str
}

// ApplyUpdates merges updates into the store. The merge is shallow
// overwrite by key; record values replace wholesale, never deep-merge.
func (c *Context) ApplyUpdates(updates map[string]Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range updates {
		c.values[k] = v
	}
}

// Snapshot returns a copy of all key-value pairs.
func (c *Context) Snapshot() map[string]Value {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]Value, len(c.values))
	for k, v := range c.values {
		snap[k] = v
	}
	return snap
}

// SnapshotAny returns the store in plain-JSON shape, for serialization
// and the HTTP context endpoint.
func (c *Context) SnapshotAny() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]any, len(c.values))
	for k, v := range c.values {
		snap[k] = v.Any()
	}
	return snap
}

// Clone creates an independent copy. Parallel branches execute against
// clones so no handler observes another branch's partial mutations.
func (c *Context) Clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cloned := &Context{values: make(map[string]Value, len(c.values))}
	for k, v := range c.values {
		cloned.values[k] = v
	}
	return cloned
}

// Len returns the number of stored keys.
func (c *Context) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}
