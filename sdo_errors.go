package canopen

// SDOAbortCode is the 32 bit code carried by an SDO abort frame.
type SDOAbortCode uint32

const (
	SDOAbortNone              SDOAbortCode = 0x00000000
	SDOAbortToggleBit         SDOAbortCode = 0x05030000
	SDOAbortTimeout           SDOAbortCode = 0x05040000
	SDOAbortCommand           SDOAbortCode = 0x05040001
	SDOAbortBlockSize         SDOAbortCode = 0x05040002
	SDOAbortSeqNumber         SDOAbortCode = 0x05040003
	SDOAbortCRC               SDOAbortCode = 0x05040004
	SDOAbortOutOfMemory       SDOAbortCode = 0x05040005
	SDOAbortUnsupportedAccess SDOAbortCode = 0x06010000
	SDOAbortWriteOnly         SDOAbortCode = 0x06010001
	SDOAbortReadOnly          SDOAbortCode = 0x06010002
	SDOAbortNotExist          SDOAbortCode = 0x06020000
	SDOAbortNoMap             SDOAbortCode = 0x06040041
	SDOAbortMapLength         SDOAbortCode = 0x06040042
	SDOAbortParamIncompat     SDOAbortCode = 0x06040043
	SDOAbortDeviceIncompat    SDOAbortCode = 0x06040047
	SDOAbortHardware          SDOAbortCode = 0x06060000
	SDOAbortTypeMismatch      SDOAbortCode = 0x06070010
	SDOAbortDataLong          SDOAbortCode = 0x06070012
	SDOAbortDataShort         SDOAbortCode = 0x06070013
	SDOAbortSubUnknown        SDOAbortCode = 0x06090011
	SDOAbortInvalidValue      SDOAbortCode = 0x06090030
	SDOAbortValueHigh         SDOAbortCode = 0x06090031
	SDOAbortValueLow          SDOAbortCode = 0x06090032
	SDOAbortMaxLessMin        SDOAbortCode = 0x06090036
	SDOAbortNoResource        SDOAbortCode = 0x060A0023
	SDOAbortGeneral           SDOAbortCode = 0x08000000
	SDOAbortDataTransfer      SDOAbortCode = 0x08000020
	SDOAbortDataLocalControl  SDOAbortCode = 0x08000021
	SDOAbortDataDeviceState   SDOAbortCode = 0x08000022
	SDOAbortNoOD              SDOAbortCode = 0x08000023
	SDOAbortNoData            SDOAbortCode = 0x08000024
)

var sdoAbortExplanation = map[SDOAbortCode]string{
	SDOAbortNone:              "No abort",
	SDOAbortToggleBit:         "Toggle bit not altered",
	SDOAbortTimeout:           "SDO protocol timed out",
	SDOAbortCommand:           "Command specifier not valid or unknown",
	SDOAbortBlockSize:         "Invalid block size in block mode",
	SDOAbortSeqNumber:         "Invalid sequence number in block mode",
	SDOAbortCRC:               "CRC error (block mode only)",
	SDOAbortOutOfMemory:       "Out of memory",
	SDOAbortUnsupportedAccess: "Unsupported access to an object",
	SDOAbortWriteOnly:         "Attempt to read a write only object",
	SDOAbortReadOnly:          "Attempt to write a read only object",
	SDOAbortNotExist:          "Object does not exist in the object dictionary",
	SDOAbortNoMap:             "Object cannot be mapped to the PDO",
	SDOAbortMapLength:         "Num and len of object to be mapped exceeds PDO len",
	SDOAbortParamIncompat:     "General parameter incompatibility reasons",
	SDOAbortDeviceIncompat:    "General internal incompatibility in device",
	SDOAbortHardware:          "Access failed due to hardware error",
	SDOAbortTypeMismatch:      "Data type does not match, length does not match",
	SDOAbortDataLong:          "Data type does not match, length too high",
	SDOAbortDataShort:         "Data type does not match, length too short",
	SDOAbortSubUnknown:        "Sub index does not exist",
	SDOAbortInvalidValue:      "Invalid value for parameter (download only)",
	SDOAbortValueHigh:         "Value range of parameter written too high",
	SDOAbortValueLow:          "Value range of parameter written too low",
	SDOAbortMaxLessMin:        "Maximum value is less than minimum value",
	SDOAbortNoResource:        "Resource not available: SDO connection",
	SDOAbortGeneral:           "General error",
	SDOAbortDataTransfer:      "Data cannot be transferred or stored to application",
	SDOAbortDataLocalControl:  "Data cannot be transferred because of local control",
	SDOAbortDataDeviceState:   "Data cannot be transferred because of present device state",
	SDOAbortNoOD:              "Object dictionary not present or dynamic generation fails",
	SDOAbortNoData:            "No data available",
}

func (abort SDOAbortCode) Error() string {
	explanation, ok := sdoAbortExplanation[abort]
	if ok {
		return explanation
	}
	return sdoAbortExplanation[SDOAbortGeneral]
}
