// pkg/delta/delta.go

// Package delta computes the structured difference between the desired and
// reported sides of a twin. It is pure: no state, no I/O, deterministic for
// a given pair of inputs.
package delta

import (
	"encoding/json"
	"reflect"
)

// Change carries the before/after pair for a key present in both maps with
// differing values.
type Change struct {
	OldValue interface{} `json:"oldValue"`
	NewValue interface{} `json:"newValue"`
}

// Delta is the shallow key-level diff of desired against reported. Keys
// only in desired are Added, keys only in reported are Removed, keys in
// both with differing values are Changed. UnchangedCount exists for UI
// density only.
type Delta struct {
	Added          map[string]interface{} `json:"added"`
	Removed        map[string]interface{} `json:"removed"`
	Changed        map[string]Change      `json:"changed"`
	UnchangedCount int                    `json:"unchangedCount"`
}

// Empty reports whether the two sides were key/value equal.
func (d *Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff compares two flat maps in a single pass over the union of their
// keys. Value comparison is deep structural equality over JSON values;
// nested values are opaque-but-comparable blobs. A key holding nil is
// treated as absent, not as a distinct value. Inputs are assumed to be
// validated JSON objects; nil maps are fine and mean "no keys".
func Diff(desired, reported map[string]interface{}) *Delta {
	d := &Delta{
		Added:   map[string]interface{}{},
		Removed: map[string]interface{}{},
		Changed: map[string]Change{},
	}

	seen := make(map[string]struct{}, len(desired)+len(reported))
	for k := range desired {
		seen[k] = struct{}{}
	}
	for k := range reported {
		seen[k] = struct{}{}
	}

	for k := range seen {
		dv, inDesired := lookup(desired, k)
		rv, inReported := lookup(reported, k)
		switch {
		case inDesired && !inReported:
			d.Added[k] = dv
		case !inDesired && inReported:
			d.Removed[k] = rv
		case inDesired && inReported:
			if valuesEqual(dv, rv) {
				d.UnchangedCount++
			} else {
				d.Changed[k] = Change{OldValue: rv, NewValue: dv}
			}
		}
	}
	return d
}

// lookup treats a nil value as an absent key.
func lookup(m map[string]interface{}, k string) (interface{}, bool) {
	v, ok := m[k]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// valuesEqual is deep structural equality for JSON values. DeepEqual
// covers values that arrived through encoding/json directly; the marshal
// fallback normalizes mixed numeric representations (e.g. int vs float64)
// that appear when one side was built in Go code.
func valuesEqual(a, b interface{}) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(ab) == string(bb)
}
