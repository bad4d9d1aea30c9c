package path

import (
	"strconv"
	"strings"
)

// --------------------------------------------------------------------------
// Parsing
// --------------------------------------------------------------------------

// Split parses a path string into its segments. The boolean return value
// reports whether the path was parseable: if it is false, the path must be
// used verbatim as a single top-level key and the returned slice contains
// exactly that one segment.
func Split(path string) ([]string, bool) {
	if path == "" {
		return nil, true
	}

	var (
		segments []string
		current  strings.Builder
		inIndex  bool
	)

	flush := func() bool {
		if current.Len() == 0 {
			return false
		}
		segments = append(segments, current.String())
		current.Reset()
		return true
	}

	for i := 0; i < len(path); i++ {
		c := path[i]
		switch {
		case inIndex:
			if c == ']' {
				if !flush() {
					return []string{path}, false // empty index "[]"
				}
				inIndex = false
				// a ']' may only be followed by '.', '[' or the end
				if i+1 < len(path) && path[i+1] != '.' && path[i+1] != '[' {
					return []string{path}, false
				}
			} else {
				current.WriteByte(c)
			}
		case c == '[':
			// "a[0]" and "a.b[0]" are both valid, "[0]" at the start is not
			if current.Len() == 0 && len(segments) == 0 {
				return []string{path}, false
			}
			flush()
			inIndex = true
		case c == ']':
			return []string{path}, false // stray closing bracket
		case c == '.':
			if !flush() {
				return []string{path}, false // empty segment ("a..b", ".a")
			}
			// a '.' may not end the path or be followed by '['
			if i+1 >= len(path) || path[i+1] == '[' {
				return []string{path}, false
			}
		default:
			current.WriteByte(c)
		}
	}

	if inIndex {
		return []string{path}, false // unterminated index
	}
	flush()

	if len(segments) == 0 {
		return []string{path}, false
	}
	return segments, true
}

// Parseable reports whether the given path splits into segments. Raw keys
// (see package docs) are not parseable and always address one top-level
// entry verbatim.
func Parseable(path string) bool {
	_, ok := Split(path)
	return ok
}

// Top returns the top-level key a path belongs to. For raw keys this is the
// key itself.
func Top(path string) string {
	segments, _ := Split(path)
	if len(segments) == 0 {
		return ""
	}
	return segments[0]
}

// Join composes segments back into a dotted path string. Numeric segments
// are rendered in index notation so that Join(Split(p)) round-trips for
// parseable paths.
func Join(segments []string) string {
	var sb strings.Builder
	for i, s := range segments {
		if _, err := strconv.Atoi(s); err == nil && i > 0 {
			sb.WriteByte('[')
			sb.WriteString(s)
			sb.WriteByte(']')
			continue
		}
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(s)
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// Nested Access
// --------------------------------------------------------------------------

// GetAt reads the value at the given segments from a JSON-like tree. The
// boolean return value reports whether the full path was present.
func GetAt(root any, segments []string) (any, bool) {
	current := root
	for _, seg := range segments {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// Get reads the value at a path string from a JSON-like tree. Raw keys are
// looked up verbatim as one top-level entry.
func Get(root map[string]any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	segments, ok := Split(path)
	if !ok {
		v, loaded := root[path]
		return v, loaded
	}
	return GetAt(root, segments)
}

// SetAt writes a value at the given segments, creating intermediate
// containers as needed. The shape of a created container is inferred from
// the next segment: numeric segments create slices, everything else maps.
// The (possibly replaced) root is returned.
func SetAt(root any, segments []string, value any) any {
	if len(segments) == 0 {
		return value
	}

	seg := segments[0]
	if idx, err := strconv.Atoi(seg); err == nil {
		slice, ok := root.([]any)
		if !ok {
			slice = nil
		}
		for len(slice) <= idx {
			slice = append(slice, nil)
		}
		slice[idx] = SetAt(slice[idx], segments[1:], value)
		return slice
	}

	node, ok := root.(map[string]any)
	if !ok {
		node = make(map[string]any)
	}
	node[seg] = SetAt(node[seg], segments[1:], value)
	return node
}

// Set writes a value at a path string into a tree rooted at a mapping. Raw
// keys are written verbatim as one top-level entry.
func Set(root map[string]any, path string, value any) {
	segments, ok := Split(path)
	if !ok {
		root[path] = value
		return
	}
	if len(segments) == 0 {
		return
	}
	root[segments[0]] = SetAt(root[segments[0]], segments[1:], value)
}

// Delete removes the entry at a path string. It reports whether an entry
// was present. Intermediate containers are left in place.
func Delete(root map[string]any, path string) bool {
	segments, ok := Split(path)
	if !ok {
		_, loaded := root[path]
		delete(root, path)
		return loaded
	}
	if len(segments) == 0 {
		return false
	}
	if len(segments) == 1 {
		_, loaded := root[segments[0]]
		delete(root, segments[0])
		return loaded
	}

	parent, found := GetAt(root, segments[:len(segments)-1])
	if !found {
		return false
	}
	last := segments[len(segments)-1]
	switch node := parent.(type) {
	case map[string]any:
		_, loaded := node[last]
		delete(node, last)
		return loaded
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(node) {
			return false
		}
		node[idx] = nil
		return true
	default:
		return false
	}
}
