package canopen

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/thoas/go-funk"
)

// EscapeName canonicalises an entry name : lower-case, trimmed, internal
// whitespace collapsed to a single underscore. All lookups escape their
// input the same way.
func EscapeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "_")
}

// Dictionary maps addresses to entries and canonical names to addresses.
// Invariant : every name in the index resolves to an address present in
// the entry map.
type Dictionary struct {
	mu      sync.RWMutex
	entries map[Address]*Entry
	names   map[string]Address
}

func NewDictionary() *Dictionary {
	return &Dictionary{
		entries: make(map[Address]*Entry),
		names:   make(map[string]Address),
	}
}

// Add inserts an entry, failing on any name or address collision.
func (dict *Dictionary) Add(entry *Entry) error {
	name := EscapeName(entry.Name)
	entry.Name = name
	dict.mu.Lock()
	defer dict.mu.Unlock()
	if _, exists := dict.entries[entry.Address]; exists {
		return &DictionaryError{
			Kind:   DictErrorDuplicate,
			Name:   name,
			Detail: fmt.Sprintf("address x%x:x%x already exists", entry.Address.Index, entry.Address.Subindex),
		}
	}
	if _, exists := dict.names[name]; exists {
		return &DictionaryError{Kind: DictErrorDuplicate, Name: name}
	}
	dict.entries[entry.Address] = entry
	dict.names[name] = entry.Address
	return nil
}

// AddName maps an additional canonical name onto an existing address.
// Used by the name-only profile merge.
func (dict *Dictionary) AddName(name string, address Address) error {
	name = EscapeName(name)
	dict.mu.Lock()
	defer dict.mu.Unlock()
	if _, exists := dict.entries[address]; !exists {
		return &DictionaryError{Kind: DictErrorUnknownEntry, Name: name}
	}
	if existing, exists := dict.names[name]; exists && existing != address {
		return &DictionaryError{Kind: DictErrorDuplicate, Name: name}
	}
	dict.names[name] = address
	return nil
}

// Replace overwrites any existing entry at the address and rebinds the
// name. The explicit counterpart of Add for callers that want overwrite
// semantics.
func (dict *Dictionary) Replace(entry *Entry) {
	name := EscapeName(entry.Name)
	entry.Name = name
	dict.mu.Lock()
	defer dict.mu.Unlock()
	if _, exists := dict.entries[entry.Address]; exists {
		// Drop stale names pointing at the replaced entry
		for candidate, address := range dict.names {
			if address == entry.Address && candidate != name {
				delete(dict.names, candidate)
			}
		}
	}
	dict.entries[entry.Address] = entry
	dict.names[name] = entry.Address
}

// Clear removes every entry and name.
func (dict *Dictionary) Clear() {
	dict.mu.Lock()
	defer dict.mu.Unlock()
	dict.entries = make(map[Address]*Entry)
	dict.names = make(map[string]Address)
}

// HasAddress reports whether the address exists.
func (dict *Dictionary) HasAddress(address Address) bool {
	dict.mu.RLock()
	defer dict.mu.RUnlock()
	_, exists := dict.entries[address]
	return exists
}

// HasName reports whether the canonical name is known.
func (dict *Dictionary) HasName(name string) bool {
	dict.mu.RLock()
	defer dict.mu.RUnlock()
	_, exists := dict.names[EscapeName(name)]
	return exists
}

// FindAddress returns the entry at the address.
func (dict *Dictionary) FindAddress(address Address) (*Entry, bool) {
	dict.mu.RLock()
	defer dict.mu.RUnlock()
	entry, exists := dict.entries[address]
	return entry, exists
}

// FindName resolves a canonical name to its entry.
func (dict *Dictionary) FindName(name string) (*Entry, bool) {
	dict.mu.RLock()
	defer dict.mu.RUnlock()
	address, exists := dict.names[EscapeName(name)]
	if !exists {
		return nil, false
	}
	entry, exists := dict.entries[address]
	return entry, exists
}

// Names returns all canonical names bound to the given address.
func (dict *Dictionary) Names(address Address) []string {
	dict.mu.RLock()
	defer dict.mu.RUnlock()
	names := funk.Keys(dict.names).([]string)
	return funk.Filter(names, func(name string) bool {
		return dict.names[name] == address
	}).([]string)
}

// Len returns the number of entries.
func (dict *Dictionary) Len() int {
	dict.mu.RLock()
	defer dict.mu.RUnlock()
	return len(dict.entries)
}

// Entries returns all entries sorted by address.
func (dict *Dictionary) Entries() []*Entry {
	dict.mu.RLock()
	entries := make([]*Entry, 0, len(dict.entries))
	for _, entry := range dict.entries {
		entries = append(entries, entry)
	}
	dict.mu.RUnlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Address.Less(entries[j].Address)
	})
	return entries
}
