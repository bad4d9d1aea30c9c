package path

import (
	"reflect"
	"sort"
)

// maxDiffDepth bounds the recursion of Diff as a safety valve for
// pathological trees that survive the cycle guard.
const maxDiffDepth = 64

// Diff computes the minimal set of changed paths between two state trees.
//
// The comparison recurses into plain maps and reports the deepest changed
// branch; slices are treated as opaque leaf values compared deeply. A key
// present on only one side is reported as changed at that key's path.
// Cycles are detected via a visited set of container identities, cyclic
// branches are reported as changed at the point of re-entry.
//
// The result is deterministic: keys are visited in sorted order per level.
func Diff(old, new map[string]any) []string {
	var paths []string
	visited := make(map[uintptr]struct{})
	diffMaps(old, new, "", 0, visited, &paths)
	return paths
}

func diffMaps(old, new map[string]any, prefix string, depth int, visited map[uintptr]struct{}, out *[]string) {
	keys := make(map[string]struct{}, len(old)+len(new))
	for k := range old {
		keys[k] = struct{}{}
	}
	for k := range new {
		keys[k] = struct{}{}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		childPath := k
		if prefix != "" {
			childPath = prefix + "." + k
		}

		oldVal, oldOk := old[k]
		newVal, newOk := new[k]
		if oldOk != newOk {
			*out = append(*out, childPath)
			continue
		}
		diffValues(oldVal, newVal, childPath, depth+1, visited, out)
	}
}

func diffValues(oldVal, newVal any, childPath string, depth int, visited map[uintptr]struct{}, out *[]string) {
	oldMap, oldIsMap := oldVal.(map[string]any)
	newMap, newIsMap := newVal.(map[string]any)

	// recurse only into map/map pairs, everything else is a leaf
	if !oldIsMap || !newIsMap || depth > maxDiffDepth {
		if !DeepEqual(oldVal, newVal) {
			*out = append(*out, childPath)
		}
		return
	}

	oldPtr := reflect.ValueOf(oldMap).Pointer()
	newPtr := reflect.ValueOf(newMap).Pointer()
	if _, seen := visited[oldPtr]; seen {
		*out = append(*out, childPath)
		return
	}
	if _, seen := visited[newPtr]; seen {
		*out = append(*out, childPath)
		return
	}
	visited[oldPtr] = struct{}{}
	visited[newPtr] = struct{}{}
	defer delete(visited, oldPtr)
	defer delete(visited, newPtr)

	diffMaps(oldMap, newMap, childPath, depth, visited, out)
}
