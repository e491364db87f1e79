package profile

// UpdatedAtKey is the field stamped on every saved profile.
const UpdatedAtKey = "_updated_at"

// Profile is one user's demographic facts keyed by field name. Values use
// the shapes produced by encoding/json (float64, string, bool, []any,
// map[string]any) once a profile has been read back from storage.
type Profile map[string]any

// Empty reports whether the profile holds no user-supplied fields.
func (p Profile) Empty() bool {
	for k := range p {
		if !internalKey(k) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of p. A nil profile clones to an empty one.
func (p Profile) Clone() Profile {
	out := make(Profile, len(p))
	for k, v := range p {
		out[k] = deepCopyValue(v)
	}
	return out
}

// Fields returns the profile as a plain map, without internal fields.
func (p Profile) Fields() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		if internalKey(k) {
			continue
		}
		out[k] = deepCopyValue(v)
	}
	return out
}

func internalKey(k string) bool {
	return len(k) > 0 && k[0] == '_'
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = deepCopyValue(vv)
		}
		return m
	case Profile:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = deepCopyValue(vv)
		}
		return s
	case []string:
		s := make([]string, len(t))
		copy(s, t)
		return s
	default:
		return v
	}
}
