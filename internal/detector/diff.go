package detector

import (
	"reflect"
	"sort"
)

// DiffStrategy decides which of the fields a mutation touches actually
// conflict with the remote record. The comparison rule is pluggable; the
// detector only cares about the resulting field list.
type DiffStrategy interface {
	Name() string
	// Diff returns the conflicting field names among the keys of intended.
	// baseline holds the local system's last-observed values for those
	// fields and may be empty when the caller captured no snapshot.
	Diff(intended, baseline, remote map[string]any) []string
}

// FieldEquality is the default strategy: a field conflicts when the remote
// value differs from the value the local system last observed for it. When no
// baseline was captured the intended value stands in, so a remote record that
// already matches the payload never conflicts.
type FieldEquality struct{}

func (FieldEquality) Name() string { return "version_mismatch" }

func (FieldEquality) Diff(intended, baseline, remote map[string]any) []string {
	var fields []string
	for field, intendedVal := range intended {
		expected := intendedVal
		if baseVal, ok := baseline[field]; ok {
			expected = baseVal
		}
		remoteVal, ok := remote[field]
		if !ok {
			// Field absent remotely: only a conflict when we expected a value.
			if expected != nil {
				fields = append(fields, field)
			}
			continue
		}
		if !reflect.DeepEqual(normalize(expected), normalize(remoteVal)) {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)
	return fields
}

// normalize folds the numeric types JSON decoding produces so that 5 and
// 5.0 compare equal regardless of which side serialized them.
func normalize(v any) any {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	}
	return v
}
