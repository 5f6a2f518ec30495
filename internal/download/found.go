package download

import (
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/fruitsalade/peershare/internal/catalog"
	"github.com/fruitsalade/peershare/internal/transfer"
)

// FoundEntry is a remote file not held locally, with every peer known to
// advertise it.
type FoundEntry struct {
	Hash   string   `json:"hash"`
	Name   string   `json:"name"`
	Size   int64    `json:"size"`
	Owners []string `json:"owners"`
}

// FoundIndex accumulates remote files across discovery cycles. Owners are
// kept in first-seen order.
type FoundIndex struct {
	mu      sync.RWMutex
	entries map[string]*FoundEntry
}

// NewFoundIndex creates an empty index.
func NewFoundIndex() *FoundIndex {
	return &FoundIndex{entries: make(map[string]*FoundEntry)}
}

// Merge folds one peer's advertised files into the index. Files whose
// hash isLocal reports as held, or whose name the policy masks out, are
// skipped. It returns the number of entries created.
func (f *FoundIndex) Merge(owner string, files []transfer.RemoteFile, isLocal func(hash string) bool, policy catalog.Policy) int {
	masks := policy.Matcher()

	f.mu.Lock()
	defer f.mu.Unlock()

	added := 0
	for _, file := range files {
		hash := strings.ToLower(file.Hash)
		if hash == "" {
			continue
		}
		if isLocal != nil && isLocal(hash) {
			continue
		}
		if masks.Match(file.Name) {
			continue
		}
		e, ok := f.entries[hash]
		if !ok {
			e = &FoundEntry{Hash: hash, Name: file.Name, Size: file.Size}
			f.entries[hash] = e
			added++
		}
		if !slices.Contains(e.Owners, owner) {
			e.Owners = append(e.Owners, owner)
		}
	}
	return added
}

// Get returns a copy of the entry for hash.
func (f *FoundIndex) Get(hash string) (FoundEntry, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	e, ok := f.entries[strings.ToLower(hash)]
	if !ok {
		return FoundEntry{}, false
	}
	return e.clone(), true
}

// List returns copies of all entries sorted by name, then hash.
func (f *FoundIndex) List() []FoundEntry {
	f.mu.RLock()
	out := make([]FoundEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e.clone())
	}
	f.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Hash < out[j].Hash
	})
	return out
}

// Len returns the number of entries.
func (f *FoundIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.entries)
}

// Remove drops hash from the index.
func (f *FoundIndex) Remove(hash string) {
	f.mu.Lock()
	delete(f.entries, strings.ToLower(hash))
	f.mu.Unlock()
}

// Prune drops entries now held locally or masked out by policy, returning
// how many were removed.
func (f *FoundIndex) Prune(isLocal func(hash string) bool, policy catalog.Policy) int {
	masks := policy.Matcher()

	f.mu.Lock()
	defer f.mu.Unlock()

	removed := 0
	for hash, e := range f.entries {
		if (isLocal != nil && isLocal(hash)) || masks.Match(e.Name) {
			delete(f.entries, hash)
			removed++
		}
	}
	return removed
}

// Clear empties the index.
func (f *FoundIndex) Clear() {
	f.mu.Lock()
	f.entries = make(map[string]*FoundEntry)
	f.mu.Unlock()
}

func (e *FoundEntry) clone() FoundEntry {
	cp := *e
	cp.Owners = append([]string(nil), e.Owners...)
	return cp
}
