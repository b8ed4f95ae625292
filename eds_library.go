package canopen

import (
	"fmt"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
)

// profileEntry is one built-in dictionary slot from the CiA standard
// documents.
type profileEntry struct {
	index      uint16
	subindex   uint8
	name       string
	dataType   DataType
	accessType AccessType
}

// Mandatory CiA 301 communication profile entries, the minimum any
// conforming node serves.
var mandatoryEntries = []profileEntry{
	{0x1000, 0, "device_type", TypeUint32, AccessReadOnly},
	{0x1001, 0, "error_register", TypeUint8, AccessReadOnly},
	{0x1018, 0, "identity_object/number_of_entries", TypeUint8, AccessReadOnly},
	{0x1018, 1, "identity_object/vendor_id", TypeUint32, AccessReadOnly},
	{0x1018, 2, "identity_object/product_code", TypeUint32, AccessReadOnly},
	{0x1018, 3, "identity_object/revision_number", TypeUint32, AccessReadOnly},
	{0x1018, 4, "identity_object/serial_number", TypeUint32, AccessReadOnly},
}

// Profile specific default entries, keyed by the low 16 bits of the
// device type object.
var profileEntries = map[uint16][]profileEntry{
	// CiA 401 generic I/O modules
	401: {
		{0x6000, 1, "read_input_8_bit", TypeUint8, AccessReadOnly},
		{0x6200, 1, "write_output_8_bit", TypeUint8, AccessReadWrite},
		{0x6401, 1, "read_analogue_input_16_bit", TypeInt16, AccessReadOnly},
		{0x6411, 1, "write_analogue_output_16_bit", TypeInt16, AccessReadWrite},
	},
	// CiA 402 drives and motion control
	402: {
		{0x603F, 0, "error_code", TypeUint16, AccessReadOnly},
		{0x6040, 0, "controlword", TypeUint16, AccessReadWrite},
		{0x6041, 0, "statusword", TypeUint16, AccessReadOnly},
		{0x6060, 0, "modes_of_operation", TypeInt8, AccessReadWrite},
		{0x6061, 0, "modes_of_operation_display", TypeInt8, AccessReadOnly},
		{0x6064, 0, "position_actual_value", TypeInt32, AccessReadOnly},
		{0x606C, 0, "velocity_actual_value", TypeInt32, AccessReadOnly},
		{0x607A, 0, "target_position", TypeInt32, AccessReadWrite},
		{0x60FF, 0, "target_velocity", TypeInt32, AccessReadWrite},
	},
}

// loadMandatoryEntries merges the CiA 301 minimum into the dictionary,
// name-only for addresses that already exist.
func loadMandatoryEntries(dict *Dictionary, options LoadOptions) {
	mergeProfileEntries(dict, mandatoryEntries, options)
}

// loadProfileEntries merges the defaults of the given CiA device profile.
// Returns false when the profile is unknown to the library.
func loadProfileEntries(dict *Dictionary, profile uint16, options LoadOptions) bool {
	entries, ok := profileEntries[profile]
	if !ok {
		return false
	}
	mergeProfileEntries(dict, entries, options)
	return true
}

func mergeProfileEntries(dict *Dictionary, entries []profileEntry, options LoadOptions) {
	for _, def := range entries {
		address := Address{Index: def.index, Subindex: def.subindex}
		if dict.HasAddress(address) {
			// Existing entries keep their definition, they only gain
			// the standard name
			err := dict.AddName(def.name, address)
			if err != nil {
				log.Debugf("[EDS LIBRARY] name %v not added : %v", def.name, err)
			}
			continue
		}
		if options.JustAddMappings {
			continue
		}
		entry := NewEntry(address, def.name, def.dataType, def.accessType)
		entry.Generic = true
		err := dict.Add(entry)
		if err != nil {
			log.Debugf("[EDS LIBRARY] entry %v not added : %v", def.name, err)
		}
	}
}

// findManufacturerEDS looks for <library>/<vendor id>/<product code>.eds,
// the layout produced by harvesting vendor EDS archives.
func findManufacturerEDS(libraryPath string, vendorId uint32, productCode uint32) (string, bool) {
	if libraryPath == "" {
		return "", false
	}
	path := filepath.Join(libraryPath, fmt.Sprintf("%08x", vendorId), fmt.Sprintf("%08x.eds", productCode))
	_, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	return path, true
}
