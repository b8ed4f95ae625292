// Package canopen implements the master side of the CANopen protocol :
// NMT network management, an SDO client for configuration and a PDO engine
// for process data, on top of a pluggable CAN bus backend.
package canopen

const (
	CanSffMask uint32 = 0x000007FF
	CanRtrFlag uint32 = 0x40000000
	CanEffFlag uint32 = 0x80000000
)

// CiA 301 pre-defined connection set, function code part of the COB-ID
const (
	ServiceNMT       uint16 = 0x000
	ServiceSYNC      uint16 = 0x080
	ServiceEmergency uint16 = 0x080 // + node id
	ServiceTPDO1     uint16 = 0x180
	ServiceRPDO1     uint16 = 0x200
	ServiceTPDO2     uint16 = 0x280
	ServiceRPDO2     uint16 = 0x300
	ServiceTPDO3     uint16 = 0x380
	ServiceRPDO3     uint16 = 0x400
	ServiceTPDO4     uint16 = 0x480
	ServiceRPDO4     uint16 = 0x500
	ServiceSDOTx     uint16 = 0x580 // server -> client
	ServiceSDORx     uint16 = 0x600 // client -> server
	ServiceHeartbeat uint16 = 0x700
)

// A Frame is a single CAN frame with an 11 bit identifier.
// Multi-byte payload fields are little-endian as mandated by CiA 301.
type Frame struct {
	ID     uint16
	Rtr    bool
	Length uint8
	Data   [8]byte
}

// NewFrame builds a data frame from a payload of at most 8 bytes.
func NewFrame(id uint16, data []byte) Frame {
	frame := Frame{ID: id & uint16(CanSffMask), Length: uint8(len(data))}
	copy(frame.Data[:], data)
	return frame
}

// NewRemoteFrame builds a remote request frame with the given DLC.
func NewRemoteFrame(id uint16, length uint8) Frame {
	return Frame{ID: id & uint16(CanSffMask), Rtr: true, Length: length}
}

// Payload returns the Length first data bytes.
func (frame Frame) Payload() []byte {
	return frame.Data[:frame.Length]
}

// FunctionCode returns the high 4 bits of the COB-ID which determine the
// CANopen service class.
func (frame Frame) FunctionCode() uint16 {
	return frame.ID & 0x780
}

// NodeId returns the low 7 bits of the COB-ID.
func (frame Frame) NodeId() uint8 {
	return uint8(frame.ID & 0x7F)
}
