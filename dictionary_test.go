package canopen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEscapeName(t *testing.T) {
	assert.Equal(t, "device_type", EscapeName("Device Type"))
	assert.Equal(t, "target_velocity", EscapeName("  Target   Velocity "))
	assert.Equal(t, "controlword", EscapeName("Controlword"))
}

func TestDictionaryAddAndLookup(t *testing.T) {
	dict := NewDictionary()
	err := dict.Add(NewEntry(Address{Index: 0x1000}, "Device Type", TypeUint32, AccessReadOnly))
	require.NoError(t, err)

	assert.True(t, dict.HasAddress(Address{Index: 0x1000}))
	assert.True(t, dict.HasName("device type"))
	assert.True(t, dict.HasName("DEVICE  TYPE"))

	entry, ok := dict.FindName("device_type")
	require.True(t, ok)
	assert.Equal(t, Address{Index: 0x1000}, entry.Address)
}

func TestDictionaryDuplicates(t *testing.T) {
	dict := NewDictionary()
	require.NoError(t, dict.Add(NewEntry(Address{Index: 0x6040}, "controlword", TypeUint16, AccessReadWrite)))

	// Same address
	err := dict.Add(NewEntry(Address{Index: 0x6040}, "other", TypeUint16, AccessReadWrite))
	assert.Error(t, err)
	// Same name, other address
	err = dict.Add(NewEntry(Address{Index: 0x6041}, "controlword", TypeUint16, AccessReadOnly))
	assert.Error(t, err)

	// Replace is the explicit overwrite
	dict.Replace(NewEntry(Address{Index: 0x6040}, "controlword", TypeUint16, AccessReadWrite))
	assert.Equal(t, 1, dict.Len())
}

// Every name in the index must resolve to an address present in the
// dictionary.
func TestDictionaryNameIndexInvariant(t *testing.T) {
	dict := NewDictionary()
	require.NoError(t, dict.Add(NewEntry(Address{Index: 0x6040}, "controlword", TypeUint16, AccessReadWrite)))
	require.NoError(t, dict.Add(NewEntry(Address{Index: 0x6041}, "statusword", TypeUint16, AccessReadOnly)))
	require.NoError(t, dict.AddName("standard controlword", Address{Index: 0x6040}))

	for _, entry := range dict.Entries() {
		for _, name := range dict.Names(entry.Address) {
			found, ok := dict.FindName(name)
			require.True(t, ok)
			assert.Equal(t, entry.Address, found.Address)
		}
	}
}

func TestDictionaryAddNameUnknownAddress(t *testing.T) {
	dict := NewDictionary()
	err := dict.AddName("ghost", Address{Index: 0x2000})
	assert.Error(t, err)
}

func TestDictionaryEntriesSorted(t *testing.T) {
	dict := NewDictionary()
	require.NoError(t, dict.Add(NewEntry(Address{Index: 0x6041}, "statusword", TypeUint16, AccessReadOnly)))
	require.NoError(t, dict.Add(NewEntry(Address{Index: 0x1000}, "device_type", TypeUint32, AccessReadOnly)))
	require.NoError(t, dict.Add(NewEntry(Address{Index: 0x1018, Subindex: 1}, "vendor_id", TypeUint32, AccessReadOnly)))

	entries := dict.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, uint16(0x1000), entries[0].Address.Index)
	assert.Equal(t, uint16(0x1018), entries[1].Address.Index)
	assert.Equal(t, uint16(0x6041), entries[2].Address.Index)
}

func TestEntryValueSubscribers(t *testing.T) {
	entry := NewEntry(Address{Index: 0x60FF}, "target_velocity", TypeInt32, AccessReadWrite)
	assert.False(t, entry.Valid())

	var received []Value
	token := entry.AddValueChangedCallback(func(value Value) {
		received = append(received, value)
	})
	entry.SetValue(NewInt32Value(2000))
	assert.Len(t, received, 1)
	assert.True(t, entry.Valid())

	entry.RemoveValueChangedCallback(token)
	entry.SetValue(NewInt32Value(3000))
	assert.Len(t, received, 1)
}
