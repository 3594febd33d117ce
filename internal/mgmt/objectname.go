package mgmt

import (
	"fmt"
	"sort"
	"strings"
)

// ObjectName identifies a manageable object: "domain:key=value[,key=value]".
//
// A name may be a pattern:
//   - "*" and "?" in the domain match any run / any single character,
//   - "*" and "?" in a property value do the same for that value,
//   - a trailing ",*" (or a lone "*" property list) accepts extra properties.
//
// The zero ObjectName is the match-everything pattern. Values are immutable.
type ObjectName struct {
	domain      string
	props       []property
	listPattern bool
	canonical   string
}

type property struct {
	key   string
	value string
}

// ParseObjectName parses s into an ObjectName. The string "*" is shorthand
// for "*:*".
func ParseObjectName(s string) (ObjectName, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ObjectName{}, fmt.Errorf("%w: empty", ErrMalformedName)
	}
	if s == "*" {
		s = "*:*"
	}

	domain, rest, ok := strings.Cut(s, ":")
	if !ok {
		return ObjectName{}, fmt.Errorf("%w: %q has no domain separator", ErrMalformedName, s)
	}
	if strings.ContainsAny(domain, "\n") {
		return ObjectName{}, fmt.Errorf("%w: %q has an invalid domain", ErrMalformedName, s)
	}
	if rest == "" {
		return ObjectName{}, fmt.Errorf("%w: %q has no key properties", ErrMalformedName, s)
	}

	n := ObjectName{domain: domain}
	seen := make(map[string]struct{})
	for _, part := range strings.Split(rest, ",") {
		if part == "*" {
			if n.listPattern {
				return ObjectName{}, fmt.Errorf("%w: %q repeats the property wildcard", ErrMalformedName, s)
			}
			n.listPattern = true
			continue
		}
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return ObjectName{}, fmt.Errorf("%w: %q: property %q is missing '='", ErrMalformedName, s, part)
		}
		if key == "" || strings.ContainsAny(key, ":=*?\",\n") {
			return ObjectName{}, fmt.Errorf("%w: %q: invalid key %q", ErrMalformedName, s, key)
		}
		if value == "" || strings.ContainsAny(value, ":=\",\n") {
			return ObjectName{}, fmt.Errorf("%w: %q: invalid value for key %q", ErrMalformedName, s, key)
		}
		if _, dup := seen[key]; dup {
			return ObjectName{}, fmt.Errorf("%w: %q: duplicate key %q", ErrMalformedName, s, key)
		}
		seen[key] = struct{}{}
		n.props = append(n.props, property{key: key, value: value})
	}
	if len(n.props) == 0 && !n.listPattern {
		return ObjectName{}, fmt.Errorf("%w: %q has no key properties", ErrMalformedName, s)
	}

	sort.Slice(n.props, func(i, j int) bool { return n.props[i].key < n.props[j].key })
	n.canonical = n.buildCanonical()
	return n, nil
}

// MustParseObjectName is ParseObjectName for constants; it panics on error.
func MustParseObjectName(s string) ObjectName {
	n, err := ParseObjectName(s)
	if err != nil {
		panic(err)
	}
	return n
}

func (n ObjectName) buildCanonical() string {
	var b strings.Builder
	b.WriteString(n.domain)
	b.WriteByte(':')
	for i, p := range n.props {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(p.key)
		b.WriteByte('=')
		b.WriteString(p.value)
	}
	if n.listPattern {
		if len(n.props) > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('*')
	}
	return b.String()
}

// String returns the canonical form (keys sorted). The zero name renders as
// "*:*".
func (n ObjectName) String() string {
	if n.IsZero() {
		return "*:*"
	}
	return n.canonical
}

func (n ObjectName) IsZero() bool {
	return n.canonical == ""
}

func (n ObjectName) Domain() string {
	return n.domain
}

func (n ObjectName) Property(key string) (string, bool) {
	for _, p := range n.props {
		if p.key == key {
			return p.value, true
		}
	}
	return "", false
}

// Properties returns a copy of the key properties.
func (n ObjectName) Properties() map[string]string {
	out := make(map[string]string, len(n.props))
	for _, p := range n.props {
		out[p.key] = p.value
	}
	return out
}

func (n ObjectName) IsPattern() bool {
	if n.IsZero() || n.listPattern || hasWildcard(n.domain) {
		return true
	}
	for _, p := range n.props {
		if hasWildcard(p.value) {
			return true
		}
	}
	return false
}

func (n ObjectName) Equal(other ObjectName) bool {
	return n.canonical == other.canonical
}

// Matches reports whether the concrete name is selected by n. A pattern
// candidate never matches, and the zero pattern matches every concrete name.
func (n ObjectName) Matches(name ObjectName) bool {
	if name.IsZero() || name.IsPattern() {
		return false
	}
	if n.IsZero() {
		return true
	}
	if !n.IsPattern() {
		return n.canonical == name.canonical
	}
	if !wildMatch(n.domain, name.domain) {
		return false
	}
	if !n.listPattern && len(n.props) != len(name.props) {
		return false
	}
	for _, p := range n.props {
		v, ok := name.Property(p.key)
		if !ok || !wildMatch(p.value, v) {
			return false
		}
	}
	return true
}

func hasWildcard(s string) bool {
	return strings.ContainsAny(s, "*?")
}

// wildMatch matches s against a glob pattern supporting "*" and "?" only.
func wildMatch(pattern, s string) bool {
	px, sx := 0, 0
	starPx, starSx := -1, 0
	for sx < len(s) {
		switch {
		case px < len(pattern) && (pattern[px] == '?' || pattern[px] == s[sx]):
			px++
			sx++
		case px < len(pattern) && pattern[px] == '*':
			starPx = px
			starSx = sx
			px++
		case starPx >= 0:
			starSx++
			px = starPx + 1
			sx = starSx
		default:
			return false
		}
	}
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}
