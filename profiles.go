package canopen

// Operation is a named command bound to a device, typically a profile
// specific sequence of dictionary writes.
type Operation func(device *Device, argument Value) (Value, error)

// profileOperations holds the built-in operations per CiA device profile,
// loaded into a Device on Start.
var profileOperations = map[uint16]map[string]Operation{
	402: {
		"enable_operation": func(device *Device, _ Value) (Value, error) {
			// CiA 402 power state machine : shutdown, switch on,
			// enable operation
			for _, controlword := range []uint16{0x0006, 0x0007, 0x000F} {
				err := device.SetEntryByName("controlword", NewUint16Value(controlword), AccessMethodSDO)
				if err != nil {
					return Value{}, err
				}
			}
			return Value{}, nil
		},
		"disable_operation": func(device *Device, _ Value) (Value, error) {
			return Value{}, device.SetEntryByName("controlword", NewUint16Value(0x0007), AccessMethodSDO)
		},
		"set_target_velocity": func(device *Device, argument Value) (Value, error) {
			return Value{}, device.SetEntryByName("target_velocity", argument, AccessMethodSDO)
		},
		"get_velocity_actual_value": func(device *Device, _ Value) (Value, error) {
			return device.GetEntryByName("velocity_actual_value", AccessMethodSDO)
		},
		"set_target_position": func(device *Device, argument Value) (Value, error) {
			return Value{}, device.SetEntryByName("target_position", argument, AccessMethodSDO)
		},
	},
	401: {
		"write_digital_output": func(device *Device, argument Value) (Value, error) {
			return Value{}, device.SetEntryByName("write_output_8_bit", argument, AccessMethodSDO)
		},
		"read_digital_input": func(device *Device, _ Value) (Value, error) {
			return device.GetEntryByName("read_input_8_bit", AccessMethodSDO)
		},
	},
}

// profileConstants holds the built-in constants per CiA device profile.
var profileConstants = map[uint16]map[string]Value{
	402: {
		"controlword_shutdown":          NewUint16Value(0x0006),
		"controlword_switch_on":         NewUint16Value(0x0007),
		"controlword_enable_operation":  NewUint16Value(0x000F),
		"controlword_fault_reset":       NewUint16Value(0x0080),
		"mode_profile_position":         NewInt8Value(1),
		"mode_profile_velocity":         NewInt8Value(3),
		"mode_homing":                   NewInt8Value(6),
		"statusword_operation_enabled":  NewUint16Value(0x0027),
		"statusword_switch_on_disabled": NewUint16Value(0x0040),
	},
	401: {},
}
