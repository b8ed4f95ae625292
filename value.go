package canopen

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DataType tags a dictionary value. The numeric values follow the CiA 301
// object dictionary data type codes so EDS files map directly.
type DataType uint8

const (
	TypeInvalid       DataType = 0x00
	TypeBool          DataType = 0x01
	TypeInt8          DataType = 0x02
	TypeInt16         DataType = 0x03
	TypeInt32         DataType = 0x04
	TypeUint8         DataType = 0x05
	TypeUint16        DataType = 0x06
	TypeUint32        DataType = 0x07
	TypeReal32        DataType = 0x08
	TypeVisibleString DataType = 0x09
	TypeOctetString   DataType = 0x0A
)

var dataTypeNames = map[DataType]string{
	TypeInvalid:       "invalid",
	TypeBool:          "boolean",
	TypeInt8:          "integer8",
	TypeInt16:         "integer16",
	TypeInt32:         "integer32",
	TypeUint8:         "unsigned8",
	TypeUint16:        "unsigned16",
	TypeUint32:        "unsigned32",
	TypeReal32:        "real32",
	TypeVisibleString: "visible_string",
	TypeOctetString:   "octet_string",
}

func (t DataType) String() string {
	name, ok := dataTypeNames[t]
	if !ok {
		return fmt.Sprintf("unknown(x%x)", uint8(t))
	}
	return name
}

// Size returns the fixed byte width of the type. Strings have dynamic
// width and return ok == false, they cannot be PDO mapped.
func (t DataType) Size() (width uint8, ok bool) {
	switch t {
	case TypeBool, TypeInt8, TypeUint8:
		return 1, true
	case TypeInt16, TypeUint16:
		return 2, true
	case TypeInt32, TypeUint32, TypeReal32:
		return 4, true
	default:
		return 0, false
	}
}

// A Value is a typed little-endian byte payload. The zero Value has type
// TypeInvalid, the state of a dictionary entry before its first update.
type Value struct {
	Type DataType
	data []byte
}

// NewValue validates data against the width of the given type.
func NewValue(dataType DataType, data []byte) (Value, error) {
	if width, fixed := dataType.Size(); fixed && int(width) != len(data) {
		return Value{}, fmt.Errorf("%v expects %v bytes, got %v", dataType, width, len(data))
	}
	if dataType == TypeInvalid {
		return Value{}, ErrIllegalArgument
	}
	buffer := make([]byte, len(data))
	copy(buffer, data)
	return Value{Type: dataType, data: buffer}, nil
}

func NewBoolValue(v bool) Value {
	b := byte(0)
	if v {
		b = 1
	}
	return Value{Type: TypeBool, data: []byte{b}}
}

func NewUint8Value(v uint8) Value {
	return Value{Type: TypeUint8, data: []byte{v}}
}

func NewUint16Value(v uint16) Value {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, v)
	return Value{Type: TypeUint16, data: data}
}

func NewUint32Value(v uint32) Value {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, v)
	return Value{Type: TypeUint32, data: data}
}

func NewInt8Value(v int8) Value {
	return Value{Type: TypeInt8, data: []byte{byte(v)}}
}

func NewInt16Value(v int16) Value {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, uint16(v))
	return Value{Type: TypeInt16, data: data}
}

func NewInt32Value(v int32) Value {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, uint32(v))
	return Value{Type: TypeInt32, data: data}
}

func NewReal32Value(v float32) Value {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, math.Float32bits(v))
	return Value{Type: TypeReal32, data: data}
}

func NewStringValue(v string) Value {
	return Value{Type: TypeVisibleString, data: []byte(v)}
}

// Valid reports whether the value carries data of a known type.
func (value Value) Valid() bool {
	return value.Type != TypeInvalid
}

// Bytes returns a copy of the raw little-endian payload.
func (value Value) Bytes() []byte {
	data := make([]byte, len(value.data))
	copy(data, value.data)
	return data
}

func (value Value) Uint() (uint64, error) {
	switch value.Type {
	case TypeBool, TypeUint8:
		return uint64(value.data[0]), nil
	case TypeUint16:
		return uint64(binary.LittleEndian.Uint16(value.data)), nil
	case TypeUint32:
		return uint64(binary.LittleEndian.Uint32(value.data)), nil
	default:
		return 0, &DictionaryError{Kind: DictErrorWrongType, Name: value.Type.String()}
	}
}

func (value Value) Int() (int64, error) {
	switch value.Type {
	case TypeInt8:
		return int64(int8(value.data[0])), nil
	case TypeInt16:
		return int64(int16(binary.LittleEndian.Uint16(value.data))), nil
	case TypeInt32:
		return int64(int32(binary.LittleEndian.Uint32(value.data))), nil
	default:
		return 0, &DictionaryError{Kind: DictErrorWrongType, Name: value.Type.String()}
	}
}

func (value Value) Float() (float64, error) {
	if value.Type != TypeReal32 {
		return 0, &DictionaryError{Kind: DictErrorWrongType, Name: value.Type.String()}
	}
	return float64(math.Float32frombits(binary.LittleEndian.Uint32(value.data))), nil
}

func (value Value) String() string {
	switch value.Type {
	case TypeInvalid:
		return "invalid"
	case TypeVisibleString, TypeOctetString:
		return string(value.data)
	case TypeReal32:
		f, _ := value.Float()
		return fmt.Sprintf("%v", f)
	case TypeInt8, TypeInt16, TypeInt32:
		i, _ := value.Int()
		return fmt.Sprintf("%v", i)
	default:
		u, _ := value.Uint()
		return fmt.Sprintf("%v", u)
	}
}
