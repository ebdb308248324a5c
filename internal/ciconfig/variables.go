package ciconfig

import "os"

// Variable is a resolved CI variable. Masked variables are redacted when
// logged; the value itself is still used for interpolation and rule
// evaluation.
type Variable struct {
	Key         string
	Value       string
	Description string
	Masked      bool
}

// Variables is an ordered variable collection. Later entries shadow earlier
// ones with the same key, which gives the precedence chain
// predefined < project < pipeline < job for free when layers are appended
// in that order.
type Variables []Variable

// Get returns the effective value for a key.
func (vs Variables) Get(key string) (string, bool) {
	for i := len(vs) - 1; i >= 0; i-- {
		if vs[i].Key == key {
			return vs[i].Value, true
		}
	}
	return "", false
}

// Lookup adapts the collection to the expression evaluator.
func (vs Variables) Lookup(name string) (string, bool) {
	return vs.Get(name)
}

// Merge appends overriding variables and returns a new collection.
func (vs Variables) Merge(overrides Variables) Variables {
	merged := make(Variables, 0, len(vs)+len(overrides))
	merged = append(merged, vs...)
	merged = append(merged, overrides...)
	return merged
}

// Expand interpolates $VAR and ${VAR} references. Unknown variables expand
// to the empty string, matching rule-clause semantics.
func (vs Variables) Expand(s string) string {
	return os.Expand(s, func(name string) string {
		v, _ := vs.Get(name)
		return v
	})
}
