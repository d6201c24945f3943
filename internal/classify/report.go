package classify

import (
	"encoding/json"
	"io"
	"sort"
)

// NewBuildsKey is the report key for upstream jobs of the try pool.
const NewBuildsKey = "new_builds"

// Entry lists the jobs that already exist for a build family and those that
// could still be triggered. Both lists are sorted and duplicate-free.
type Entry struct {
	Existing []string `json:"existing"`
	Possible []string `json:"possible"`
}

func (e Entry) clone() Entry {
	return Entry{
		Existing: append(make([]string, 0, len(e.Existing)), e.Existing...),
		Possible: append(make([]string, 0, len(e.Possible)), e.Possible...),
	}
}

// Report is the classification of one revision. It is immutable once returned.
type Report struct {
	revision string
	entries  map[string]Entry
}

// Revision returns the revision the report describes.
func (r *Report) Revision() string {
	return r.revision
}

// Keys returns every upstream key (excluding new_builds), sorted.
func (r *Report) Keys() []string {
	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		if k == NewBuildsKey {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entry returns a copy of the entry for key.
func (r *Report) Entry(key string) (Entry, bool) {
	e, ok := r.entries[key]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// NewBuilds returns a copy of the new_builds entry.
func (r *Report) NewBuilds() Entry {
	return r.entries[NewBuildsKey].clone()
}

// Triggerable reports whether builder is listed as possible under any key.
func (r *Report) Triggerable(builder string) bool {
	for _, e := range r.entries {
		i := sort.SearchStrings(e.Possible, builder)
		if i < len(e.Possible) && e.Possible[i] == builder {
			return true
		}
	}
	return false
}

// IsNewBuild reports whether builder is an untriggered upstream job.
func (r *Report) IsNewBuild(builder string) bool {
	possible := r.entries[NewBuildsKey].Possible
	i := sort.SearchStrings(possible, builder)
	return i < len(possible) && possible[i] == builder
}

// MarshalJSON encodes the report as {key: {"existing": [...], "possible": [...]}}
// with sorted keys.
func (r *Report) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.entries)
}

// WriteJSON writes the report indented with four spaces.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	return enc.Encode(r.entries)
}

// NewReport assembles a report from raw entries, sorting and de-duplicating
// every list. The new_builds entry is added when missing.
func NewReport(rev string, entries map[string]Entry) *Report {
	r := &Report{
		revision: rev,
		entries:  make(map[string]Entry, len(entries)+1),
	}
	for k, e := range entries {
		r.entries[k] = Entry{Existing: normalize(e.Existing), Possible: normalize(e.Possible)}
	}
	if _, ok := r.entries[NewBuildsKey]; !ok {
		r.entries[NewBuildsKey] = Entry{Existing: []string{}, Possible: []string{}}
	}
	return r
}

func normalize(names []string) []string {
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return sortedKeys(set)
}
