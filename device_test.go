package canopen

import (
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sdoMemoryServer acks all downloads, records them, and answers uploads
// from a writable address space.
type sdoMemoryServer struct {
	mu     sync.Mutex
	nodeId uint8
	memory map[Address][]byte
	writes []sdoWrite
}

type sdoWrite struct {
	address Address
	data    []byte
}

func newSDOMemoryServer(nodeId uint8) *sdoMemoryServer {
	return &sdoMemoryServer{nodeId: nodeId, memory: make(map[Address][]byte)}
}

func (server *sdoMemoryServer) set(index uint16, subindex uint8, data []byte) {
	server.mu.Lock()
	defer server.mu.Unlock()
	server.memory[Address{Index: index, Subindex: subindex}] = data
}

func (server *sdoMemoryServer) recordedWrites() []sdoWrite {
	server.mu.Lock()
	defer server.mu.Unlock()
	writes := make([]sdoWrite, len(server.writes))
	copy(writes, server.writes)
	return writes
}

func (server *sdoMemoryServer) respond(sent Frame) []testResponse {
	if sent.ID != ServiceSDORx+uint16(server.nodeId) {
		return nil
	}
	command := sent.Data[0]
	address := Address{
		Index:    binary.LittleEndian.Uint16(sent.Data[1:3]),
		Subindex: sent.Data[3],
	}
	server.mu.Lock()
	defer server.mu.Unlock()
	switch {
	case command&0xE0 == 0x20:
		// Expedited download only, enough for configuration writes
		count := 4 - int(command>>2)&0x03
		data := make([]byte, count)
		copy(data, sent.Data[4:4+count])
		server.memory[address] = data
		server.writes = append(server.writes, sdoWrite{address: address, data: data})
		response := [8]byte{0x60, sent.Data[1], sent.Data[2], sent.Data[3]}
		return []testResponse{{wait: time.Millisecond, frame: sdoReply(server.nodeId, response)}}
	case command&0xE0 == 0x40:
		data, ok := server.memory[address]
		if !ok || len(data) > 4 {
			response := [8]byte{0x80, sent.Data[1], sent.Data[2], sent.Data[3]}
			binary.LittleEndian.PutUint32(response[4:], uint32(SDOAbortNotExist))
			return []testResponse{{wait: time.Millisecond, frame: sdoReply(server.nodeId, response)}}
		}
		response := [8]byte{0x43 | byte(4-len(data))<<2, sent.Data[1], sent.Data[2], sent.Data[3]}
		copy(response[4:], data)
		return []testResponse{{wait: time.Millisecond, frame: sdoReply(server.nodeId, response)}}
	}
	return nil
}

func TestDeviceGetSetEntryViaSDO(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	server := newSDOMemoryServer(1)
	bus.addResponder(server.respond)
	server.set(0x60FF, 0, []byte{0x00, 0x00, 0x00, 0x00})

	device := NewDevice(core, 1)
	require.NoError(t, device.AddEntry(Address{Index: 0x60FF}, "target_velocity", TypeInt32, AccessReadWrite))
	defer device.Close()

	err := device.SetEntryByName("target_velocity", NewInt32Value(2000), AccessMethodSDO)
	require.NoError(t, err)

	// A set followed by a get yields the written value
	value, err := device.GetEntryByName("target_velocity", AccessMethodSDO)
	require.NoError(t, err)
	v, err := value.Int()
	require.NoError(t, err)
	assert.EqualValues(t, 2000, v)
}

func TestDeviceSetEntryTypeChecked(t *testing.T) {
	core, _ := newTestCore()
	defer core.Stop()

	device := NewDevice(core, 1)
	require.NoError(t, device.AddEntry(Address{Index: 0x60FF}, "target_velocity", TypeInt32, AccessReadWrite))
	defer device.Close()

	err := device.SetEntryByName("target_velocity", NewUint16Value(7), AccessMethodPDO)
	require.Error(t, err)
	dictErr, ok := err.(*DictionaryError)
	require.True(t, ok)
	assert.Equal(t, DictErrorWrongType, dictErr.Kind)
}

func TestDeviceUnknownEntry(t *testing.T) {
	core, _ := newTestCore()
	defer core.Stop()

	device := NewDevice(core, 1)
	defer device.Close()

	_, err := device.GetEntryByName("missing", AccessMethodPDO)
	require.Error(t, err)
	dictErr, ok := err.(*DictionaryError)
	require.True(t, ok)
	assert.Equal(t, DictErrorUnknownEntry, dictErr.Kind)
	assert.False(t, device.HasEntryByName("missing"))
}

// Remap of TPDO1 : the exact SDO write order of the spec'd sequence.
func TestDeviceMapTPDOInDevice(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	server := newSDOMemoryServer(1)
	bus.addResponder(server.respond)
	// TPDO1 currently enabled on 0x201
	server.set(0x1800, 1, []byte{0x01, 0x02, 0x00, 0x00})

	device := NewDevice(core, 1)
	defer device.Close()

	err := device.MapTPDOInDevice(1, []uint32{0x606C0020, 0x60410010, 0x603F0010}, RemotePDOConfig{TransmitType: 255})
	require.NoError(t, err)

	writes := server.recordedWrites()
	require.Len(t, writes, 8)

	expected := []struct {
		address Address
		value   uint32
		width   int
	}{
		{Address{0x1800, 1}, 0x80000201, 4}, // disable : bit 31 set
		{Address{0x1A00, 0}, 0, 1},          // clear count
		{Address{0x1A00, 1}, 0x606C0020, 4},
		{Address{0x1A00, 2}, 0x60410010, 4},
		{Address{0x1A00, 3}, 0x603F0010, 4},
		{Address{0x1A00, 0}, 3, 1}, // restore count
		{Address{0x1800, 2}, 255, 1},
		{Address{0x1800, 1}, 0x00000201, 4}, // enable : bit 31 cleared
	}
	for i, want := range expected {
		assert.Equal(t, want.address, writes[i].address, "write %d", i)
		require.Len(t, writes[i].data, want.width, "write %d", i)
		got := uint32(0)
		for b := len(writes[i].data) - 1; b >= 0; b-- {
			got = got<<8 | uint32(writes[i].data[b])
		}
		assert.Equal(t, want.value, got, "write %d", i)
	}
}

func TestDeviceMapRPDOWithInhibitAndEventTimer(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	server := newSDOMemoryServer(1)
	bus.addResponder(server.respond)
	server.set(0x1400, 1, []byte{0x01, 0x02, 0x00, 0x00})

	inhibit := uint16(10)
	eventTimer := uint16(500)
	device := NewDevice(core, 1)
	defer device.Close()

	err := device.MapRPDOInDevice(1, []uint32{0x60400010}, RemotePDOConfig{
		TransmitType: 255,
		InhibitTime:  &inhibit,
		EventTimer:   &eventTimer,
	})
	require.NoError(t, err)

	writes := server.recordedWrites()
	require.Len(t, writes, 8)
	assert.Equal(t, Address{0x1400, 2}, writes[4].address)
	assert.Equal(t, Address{0x1400, 3}, writes[5].address)
	assert.Equal(t, Address{0x1400, 5}, writes[6].address)
	assert.Equal(t, Address{0x1400, 1}, writes[7].address)
}

func TestDeviceMapTPDOAbortsOnFailure(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	server := newSDOMemoryServer(1)
	bus.addResponder(server.respond)
	// Reading the COB-ID aborts : the sequence must surface the error
	// without any write

	device := NewDevice(core, 1)
	defer device.Close()

	err := device.MapTPDOInDevice(1, []uint32{0x606C0020}, RemotePDOConfig{TransmitType: 255})
	require.Error(t, err)
	assert.Empty(t, server.recordedWrites())
}

func TestDeviceInvalidPdoNumber(t *testing.T) {
	core, _ := newTestCore()
	defer core.Stop()

	device := NewDevice(core, 1)
	defer device.Close()

	err := device.MapTPDOInDevice(5, nil, RemotePDOConfig{})
	assert.ErrorIs(t, err, ErrInvalidPdoNb)
	err = device.MapRPDOInDevice(0, nil, RemotePDOConfig{})
	assert.ErrorIs(t, err, ErrInvalidPdoNb)
}

func TestDeviceOperationsAndConstants(t *testing.T) {
	core, _ := newTestCore()
	defer core.Stop()

	device := NewDevice(core, 1)
	defer device.Close()

	require.NoError(t, device.AddConstant("max_velocity", NewUint32Value(6000)))
	assert.Error(t, device.AddConstant("max velocity", NewUint32Value(1)))
	value, err := device.GetConstant("Max  Velocity")
	require.NoError(t, err)
	u, _ := value.Uint()
	assert.EqualValues(t, 6000, u)

	called := false
	require.NoError(t, device.AddOperation("ping", func(device *Device, argument Value) (Value, error) {
		called = true
		return argument, nil
	}))
	assert.Error(t, device.AddOperation("ping", nil))

	result, err := device.Execute("ping", NewUint8Value(1))
	require.NoError(t, err)
	assert.True(t, called)
	assert.True(t, result.Valid())

	_, err = device.Execute("missing", Value{})
	require.Error(t, err)
	dictErr, ok := err.(*DictionaryError)
	require.True(t, ok)
	assert.Equal(t, DictErrorUnknownOperation, dictErr.Kind)

	device.ReplaceOperation("ping", func(device *Device, argument Value) (Value, error) {
		return Value{}, nil
	})
	result, err = device.Execute("ping", Value{})
	require.NoError(t, err)
	assert.False(t, result.Valid())
}

func TestDeviceStartLoadsProfileOperations(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	server := newSDOMemoryServer(1)
	bus.addResponder(server.respond)
	// Device type : profile 402
	server.set(0x1000, 0, []byte{0x92, 0x01, 0x00, 0x00})
	server.set(0x6040, 0, []byte{0x00, 0x00})

	device := NewDevice(core, 1)
	require.NoError(t, device.AddEntry(Address{Index: 0x6040}, "controlword", TypeUint16, AccessReadWrite))
	defer device.Close()

	require.NoError(t, device.Start())

	// Start sends start_node to our node
	frames := bus.sentTo(ServiceNMT)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x01, 0x01}, frames[0].Payload())

	// Profile 402 operations are available
	_, err := device.Execute("enable_operation", Value{})
	require.NoError(t, err)

	writes := server.recordedWrites()
	require.Len(t, writes, 3)
	assert.Equal(t, []byte{0x06, 0x00}, writes[0].data)
	assert.Equal(t, []byte{0x07, 0x00}, writes[1].data)
	assert.Equal(t, []byte{0x0F, 0x00}, writes[2].data)

	value, err := device.GetConstant("controlword_enable_operation")
	require.NoError(t, err)
	u, _ := value.Uint()
	assert.EqualValues(t, 0x000F, u)
}

func TestDeviceHeartbeatProducer(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	device := NewDevice(core, 5)
	device.RequestHeartbeat(5, 30*time.Millisecond, false, NMTStateOperational)

	time.Sleep(100 * time.Millisecond)
	device.StopRequestHeartbeat()
	frames := bus.sentTo(0x705)
	require.GreaterOrEqual(t, len(frames), 3)
	for _, frame := range frames {
		assert.Equal(t, []byte{0x05}, frame.Payload())
	}

	// Producer is stopped, no more frames
	count := len(bus.sentTo(0x705))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, count, len(bus.sentTo(0x705)))
	device.Close()
}

func TestDeviceEmergencyCallback(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	device := NewDevice(core, 2)
	defer device.Close()

	var mu sync.Mutex
	var received []EmergencyError
	device.RegisterEmergencyCallback(func(nodeId uint8, emergency EmergencyError) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, emergency)
	})

	bus.Inject(Frame{ID: 0x082, Length: 8, Data: [8]byte{0x00, 0x21, 0x01, 0xAA, 0, 0, 0, 0}})
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 100*time.Millisecond, 2*time.Millisecond)
	mu.Lock()
	assert.EqualValues(t, 0x2100, received[0].ErrorCode)
	assert.EqualValues(t, 0x01, received[0].ErrorRegister)
	mu.Unlock()
}

func TestDevicePDORequestAndWaitUpdatesEntry(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	device := NewDevice(core, 1)
	require.NoError(t, device.AddEntry(Address{Index: 0x606C}, "velocity_actual_value", TypeInt32, AccessReadOnly))
	require.NoError(t, device.AddReceivePDOMapping(0x181, "velocity_actual_value", 0))
	defer device.Close()

	bus.addResponder(func(sent Frame) []testResponse {
		if !sent.Rtr || sent.ID != 0x181 {
			return nil
		}
		return []testResponse{{
			wait:  time.Millisecond,
			frame: Frame{ID: 0x181, Length: 4, Data: [8]byte{0xD0, 0x07, 0x00, 0x00}},
		}}
	})

	value, err := device.GetEntryByName("velocity_actual_value", AccessMethodPDORequestAndWait)
	require.NoError(t, err)
	v, err := value.Int()
	require.NoError(t, err)
	assert.EqualValues(t, 2000, v)
}
