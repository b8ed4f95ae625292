package canopen

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"gopkg.in/ini.v1"
)

var (
	matchIdxRegExp    = regexp.MustCompile(`^[0-9A-Fa-f]{4}$`)
	matchSubidxRegExp = regexp.MustCompile(`^([0-9A-Fa-f]{4})[Ss]ub([0-9A-Fa-f]+)$`)
)

// EDS object type codes
const (
	objDomain uint8 = 2
	objVar    uint8 = 7
	objArr    uint8 = 8
	objRecord uint8 = 9
)

// LoadEDSFromFile parses an EDS file and merges its entries into the
// dictionary according to options. nodeId expands $NODEID expressions in
// default values.
func LoadEDSFromFile(dict *Dictionary, filePath string, nodeId uint8, options LoadOptions) error {
	edsFile, err := ini.Load(filePath)
	if err != nil {
		return err
	}
	return loadEDS(dict, edsFile, nodeId, options)
}

// LoadEDSFromRaw is LoadEDSFromFile for in-memory EDS content.
func LoadEDSFromRaw(dict *Dictionary, raw []byte, nodeId uint8, options LoadOptions) error {
	edsFile, err := ini.Load(raw)
	if err != nil {
		return err
	}
	return loadEDS(dict, edsFile, nodeId, options)
}

func loadEDS(dict *Dictionary, edsFile *ini.File, nodeId uint8, options LoadOptions) error {
	if options.ClearDictionary {
		dict.Clear()
	}
	// Array and record members reuse generic names like "Number of
	// Entries", they are prefixed with their container's name
	parentNames := make(map[uint16]string)
	for _, section := range edsFile.Sections() {
		sectionName := section.Name()

		if matchIdxRegExp.MatchString(sectionName) {
			idx, err := strconv.ParseUint(sectionName, 16, 16)
			if err != nil {
				return err
			}
			index := uint16(idx)
			objectType := uint8(objVar)
			if section.HasKey("ObjectType") {
				parsed, err := strconv.ParseUint(section.Key("ObjectType").Value(), 0, 8)
				if err == nil {
					objectType = uint8(parsed)
				}
			}
			// Arrays and records get their members from XXXXsubN
			// sections, only plain variables live at subindex 0
			if objectType == objArr || objectType == objRecord {
				parentNames[index] = section.Key("ParameterName").String()
				continue
			}
			if objectType != objVar && objectType != objDomain {
				continue
			}
			err = importSection(dict, section, Address{Index: index, Subindex: 0}, nodeId, options, "")
			if err != nil {
				return err
			}
		}

		if match := matchSubidxRegExp.FindStringSubmatch(sectionName); match != nil {
			idx, err := strconv.ParseUint(match[1], 16, 16)
			if err != nil {
				return err
			}
			sidx, err := strconv.ParseUint(match[2], 16, 8)
			if err != nil {
				return err
			}
			address := Address{Index: uint16(idx), Subindex: uint8(sidx)}
			err = importSection(dict, section, address, nodeId, options, parentNames[address.Index])
			if err != nil {
				return err
			}
		}
	}
	return nil
}

func importSection(dict *Dictionary, section *ini.Section, address Address, nodeId uint8, options LoadOptions, parent string) error {
	name := EscapeName(section.Key("ParameterName").String())
	if parent != "" {
		name = EscapeName(parent) + "/" + name
	}
	if name == "" {
		return fmt.Errorf("section %v has no ParameterName", section.Name())
	}

	if options.JustAddMappings {
		if !dict.HasAddress(address) {
			return nil
		}
		err := dict.AddName(name, address)
		if err != nil {
			log.Debugf("[EDS] skipping name %v : %v", name, err)
		}
		return nil
	}
	if dict.HasAddress(address) {
		// Keep the existing entry, only bind the standard name
		err := dict.AddName(name, address)
		if err != nil {
			log.Debugf("[EDS] skipping name %v : %v", name, err)
		}
		return nil
	}

	dataType := TypeInvalid
	if section.HasKey("DataType") {
		parsed, err := strconv.ParseUint(section.Key("DataType").Value(), 0, 8)
		if err == nil {
			dataType = DataType(parsed)
		}
	}
	if _, ok := dataTypeNames[dataType]; !ok || dataType == TypeInvalid {
		log.Warnf("[EDS] %v has an unsupported data type, skipping", name)
		return nil
	}

	accessType := AccessReadWrite
	if section.HasKey("AccessType") {
		parsed, ok := accessTypeNames[strings.ToLower(section.Key("AccessType").Value())]
		if ok {
			accessType = parsed
		}
	}

	entry := NewEntry(address, name, dataType, accessType)
	entry.Generic = options.MarkEntriesAsGeneric
	if section.HasKey("DefaultValue") {
		value, err := convertDefault(section.Key("DefaultValue").Value(), dataType, nodeId)
		if err != nil {
			log.Debugf("[EDS] cannot convert default for %v : %v", name, err)
		} else {
			entry.SetValue(value)
		}
	}
	err := dict.Add(entry)
	if err != nil {
		log.Debugf("[EDS] not adding %v : %v", name, err)
	} else {
		log.Debugf("[EDS] added entry %v at x%x:x%x", name, address.Index, address.Subindex)
	}
	return nil
}

// convertDefault parses an EDS default value, expanding $NODEID offsets
// the way CANopen configuration tools emit them.
func convertDefault(raw string, dataType DataType, nodeId uint8) (Value, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Value{}, fmt.Errorf("empty default")
	}
	var offset uint64
	if strings.Contains(raw, "$NODEID") {
		offset = uint64(nodeId)
		raw = strings.TrimPrefix(raw, "$NODEID")
		raw = strings.TrimSpace(strings.TrimPrefix(raw, "+"))
		if raw == "" {
			raw = "0"
		}
	}
	switch dataType {
	case TypeVisibleString, TypeOctetString:
		return NewValue(dataType, []byte(raw))
	case TypeReal32:
		parsed, err := strconv.ParseFloat(raw, 32)
		if err != nil {
			return Value{}, err
		}
		return NewReal32Value(float32(parsed)), nil
	case TypeInt8, TypeInt16, TypeInt32:
		parsed, err := strconv.ParseInt(raw, 0, 64)
		if err != nil {
			return Value{}, err
		}
		parsed += int64(offset)
		switch dataType {
		case TypeInt8:
			return NewInt8Value(int8(parsed)), nil
		case TypeInt16:
			return NewInt16Value(int16(parsed)), nil
		default:
			return NewInt32Value(int32(parsed)), nil
		}
	default:
		parsed, err := strconv.ParseUint(raw, 0, 64)
		if err != nil {
			return Value{}, err
		}
		parsed += offset
		switch dataType {
		case TypeBool:
			return NewBoolValue(parsed != 0), nil
		case TypeUint8:
			return NewUint8Value(uint8(parsed)), nil
		case TypeUint16:
			return NewUint16Value(uint16(parsed)), nil
		default:
			return NewUint32Value(uint32(parsed)), nil
		}
	}
}
