// Package merge computes three-way merges between the local extension
// state, the remote payload, and the state recorded at the last
// successful sync. It is pure: no I/O, no clock, no side effects.
package merge

import (
	"sort"

	"github.com/statesync/statesync/internal/schema"
)

// Result describes the outcome of a merge. Added, Removed and Updated
// are the changes to apply locally. Remote is the full item list that
// should be written back to the remote store, or nil when the remote
// already matches the merged state.
type Result struct {
	Added   []schema.Extension
	Removed []schema.Extension
	Updated []schema.Extension
	Remote  []schema.Extension
}

// HasLocalChanges reports whether applying the result touches local
// state at all.
func (r Result) HasLocalChanges() bool {
	return len(r.Added) > 0 || len(r.Removed) > 0 || len(r.Updated) > 0
}

// Extensions merges local and remote item lists against the lastSync
// base. skipped holds items that failed to apply on a previous cycle
// and must be retried. ignored lists item keys excluded from sync in
// both directions; ignored items already on the remote pass through to
// the merged remote list untouched.
//
// A nil remote means the kind has never been written: the merge is a
// straight first push of the local state.
func Extensions(local, remote, lastSync, skipped []schema.Extension, ignored []string) Result {
	ignore := ignoreSet(ignored)

	if remote == nil {
		var out []schema.Extension
		for _, e := range local {
			if !ignore[e.Identity.Key()] {
				out = append(out, e)
			}
		}
		return Result{Remote: out}
	}

	localMap := toMap(local, ignore)
	remoteMap := toMap(remote, ignore)
	lastMap := toMap(lastSync, ignore)
	skippedMap := toMap(skipped, nil)

	var res Result
	out := make(map[string]schema.Extension)

	for _, key := range sortedKeys(remoteMap) {
		r := remoteMap[key]
		l, inLocal := localMap[key]

		if inLocal {
			if l.Same(r) {
				out[key] = r
				continue
			}
			last, inLast := lastMap[key]
			if inLast && !l.Same(last) {
				// Changed on both sides, local wins.
				out[key] = l
			} else {
				res.Updated = append(res.Updated, r)
				out[key] = r
			}
			continue
		}

		if _, wasSkipped := skippedMap[key]; wasSkipped {
			res.Added = append(res.Added, r)
			out[key] = r
			continue
		}
		if _, inLast := lastMap[key]; !inLast {
			res.Added = append(res.Added, r)
			out[key] = r
			continue
		}
		// Present at last sync, gone locally: the removal propagates.
	}

	for _, key := range sortedKeys(localMap) {
		if _, inRemote := remoteMap[key]; inRemote {
			continue
		}
		l := localMap[key]
		if last, inLast := lastMap[key]; inLast && l.Same(last) {
			res.Removed = append(res.Removed, l)
			continue
		}
		out[key] = l
	}

	for _, e := range remote {
		if ignore[e.Identity.Key()] {
			out[e.Identity.Key()] = e
		}
	}

	merged := flatten(out)
	if !sameList(merged, remote) {
		res.Remote = merged
	}
	return res
}

func ignoreSet(ignored []string) map[string]bool {
	if len(ignored) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ignored))
	for _, id := range ignored {
		set[(schema.Identity{ID: id}).Key()] = true
	}
	return set
}

func toMap(items []schema.Extension, ignore map[string]bool) map[string]schema.Extension {
	m := make(map[string]schema.Extension, len(items))
	for _, e := range items {
		if ignore[e.Identity.Key()] {
			continue
		}
		m[e.Identity.Key()] = e
	}
	return m
}

func sortedKeys(m map[string]schema.Extension) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func flatten(m map[string]schema.Extension) []schema.Extension {
	items := make([]schema.Extension, 0, len(m))
	for _, e := range m {
		items = append(items, e)
	}
	schema.SortExtensions(items)
	return items
}

// sameList compares two item lists by canonical serialization, so
// ordering differences do not count as changes.
func sameList(a, b []schema.Extension) bool {
	sa, err := schema.SerializeExtensions(a)
	if err != nil {
		return false
	}
	sb, err := schema.SerializeExtensions(b)
	if err != nil {
		return false
	}
	return sa == sb
}
