package canopen

import (
	"sync"

	"github.com/google/uuid"
)

// AccessType is the EDS access attribute of an entry.
type AccessType uint8

const (
	AccessReadOnly AccessType = iota
	AccessWriteOnly
	AccessReadWrite
	AccessConstant
)

var accessTypeNames = map[string]AccessType{
	"ro":    AccessReadOnly,
	"wo":    AccessWriteOnly,
	"rw":    AccessReadWrite,
	"rww":   AccessReadWrite,
	"rwr":   AccessReadWrite,
	"const": AccessConstant,
}

// AccessMethod selects which service a Device read or write goes through.
type AccessMethod uint8

const (
	// Resolve to the entry's configured default method
	AccessMethodUseDefault AccessMethod = iota
	// Confirmed SDO transfer, updates the cached value
	AccessMethodSDO
	// Cached value only, may be invalid before the first PDO update
	AccessMethodPDO
	// Remote-request the PDO and wait for the next matching frame
	AccessMethodPDORequestAndWait
)

// Address identifies a dictionary entry. Ordering is lexicographic on
// (index, subindex).
type Address struct {
	Index    uint16
	Subindex uint8
}

func (a Address) Less(b Address) bool {
	if a.Index != b.Index {
		return a.Index < b.Index
	}
	return a.Subindex < b.Subindex
}

type ValueChangedCallback func(value Value)

type valueSubscriber struct {
	id       string
	callback ValueChangedCallback
}

// Entry is one object dictionary slot bound to a live value. The value is
// invalid until the first successful read or PDO update. Value access is
// guarded by the entry's own mutex, subscribers are called outside it.
type Entry struct {
	Address    Address
	Name       string
	Type       DataType
	AccessType AccessType

	// Default access methods consulted by AccessMethodUseDefault
	ReadMethod  AccessMethod
	WriteMethod AccessMethod

	// Set when the entry came from a CiA profile default rather than a
	// manufacturer EDS
	Generic bool
	// Set when the remote device aborted access to this entry
	Disabled bool

	// COB-ID of the receive PDO mapping feeding this entry, 0 when the
	// entry is only reachable over SDO
	pdoCobId uint16

	mu          sync.Mutex
	value       Value
	subscribers []valueSubscriber
}

func NewEntry(address Address, name string, dataType DataType, accessType AccessType) *Entry {
	return &Entry{
		Address:     address,
		Name:        name,
		Type:        dataType,
		AccessType:  accessType,
		ReadMethod:  AccessMethodSDO,
		WriteMethod: AccessMethodSDO,
	}
}

// Value returns a snapshot of the current value.
func (entry *Entry) Value() Value {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.value
}

// Valid reports whether the entry has been updated at least once.
func (entry *Entry) Valid() bool {
	return entry.Value().Valid()
}

// SetValue stores a new value and notifies subscribers. The subscriber
// list is snapshotted so callbacks run without the entry lock held.
func (entry *Entry) SetValue(value Value) {
	entry.mu.Lock()
	entry.value = value
	subscribers := make([]valueSubscriber, len(entry.subscribers))
	copy(subscribers, entry.subscribers)
	entry.mu.Unlock()
	for _, subscriber := range subscribers {
		subscriber.callback(value)
	}
}

// AddValueChangedCallback subscribes to value updates and returns a
// removal token.
func (entry *Entry) AddValueChangedCallback(callback ValueChangedCallback) string {
	token := uuid.NewString()
	entry.mu.Lock()
	defer entry.mu.Unlock()
	entry.subscribers = append(entry.subscribers, valueSubscriber{id: token, callback: callback})
	return token
}

func (entry *Entry) RemoveValueChangedCallback(token string) {
	entry.mu.Lock()
	defer entry.mu.Unlock()
	for i, subscriber := range entry.subscribers {
		if subscriber.id == token {
			entry.subscribers = append(entry.subscribers[:i], entry.subscribers[i+1:]...)
			return
		}
	}
}
