package canopen

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPDOReceiveCallbackOrder(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	var mu sync.Mutex
	var order []int
	core.PDO.AddPDOReceivedCallback(0x181, func(payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, 1)
	})
	core.PDO.AddPDOReceivedCallback(0x181, func(payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, 2)
	})

	bus.Inject(Frame{ID: 0x181, Length: 2, Data: [8]byte{0xAA, 0xBB}})
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, 100*time.Millisecond, 2*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []int{1, 2}, order)
	mu.Unlock()
}

func TestPDORemoveCallback(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	var count int
	var mu sync.Mutex
	token := core.PDO.AddPDOReceivedCallback(0x281, func(payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})
	bus.Inject(Frame{ID: 0x281, Length: 1, Data: [8]byte{1}})
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	}, 100*time.Millisecond, 2*time.Millisecond)

	core.PDO.RemovePDOReceivedCallback(0x281, token)
	bus.Inject(Frame{ID: 0x281, Length: 1, Data: [8]byte{1}})
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.Equal(t, 1, count)
	mu.Unlock()
}

func TestPDOUnknownCobIdCounted(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	bus.Inject(Frame{ID: 0x181, Length: 1, Data: [8]byte{1}})
	assert.Eventually(t, func() bool {
		return core.UnknownFrames() == 1
	}, 100*time.Millisecond, 2*time.Millisecond)
}

// Register TPDO with a u32 at offset 0 and a u16 at offset 4, period
// 50ms : every frame carries the current values with zeroed gaps.
func TestPDOPeriodicTransmit(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	device := NewDevice(core, 1)
	require.NoError(t, device.AddEntry(Address{Index: 0x60FF}, "target_velocity", TypeUint32, AccessReadWrite))
	require.NoError(t, device.AddEntry(Address{Index: 0x6040}, "controlword", TypeUint16, AccessReadWrite))
	defer device.Close()

	require.NoError(t, device.SetEntryByName("target_velocity", NewUint32Value(2000), AccessMethodPDO))
	require.NoError(t, device.SetEntryByName("controlword", NewUint16Value(0x000F), AccessMethodPDO))

	err := device.AddTransmitPDOMapping(0x201, []TransmitMapping{
		{EntryName: "target_velocity", Offset: 0},
		{EntryName: "controlword", Offset: 4},
	}, TransmissionPeriodic, 50*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(180 * time.Millisecond)
	frames := bus.sentTo(0x201)
	require.GreaterOrEqual(t, len(frames), 3)
	require.LessOrEqual(t, len(frames), 4)
	for _, frame := range frames {
		assert.Equal(t, []byte{0xD0, 0x07, 0x00, 0x00, 0x0F, 0x00, 0x00, 0x00}, frame.Payload())
	}
}

func TestPDOOnChangeTransmit(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	device := NewDevice(core, 1)
	require.NoError(t, device.AddEntry(Address{Index: 0x6040}, "controlword", TypeUint16, AccessReadWrite))
	defer device.Close()

	err := device.AddTransmitPDOMapping(0x301, []TransmitMapping{
		{EntryName: "controlword", Offset: 0},
	}, TransmissionOnChange, 0)
	require.NoError(t, err)

	// No frame until a value changes
	assert.Empty(t, bus.sentTo(0x301))

	require.NoError(t, device.SetEntryByName("controlword", NewUint16Value(0x0006), AccessMethodPDO))
	require.NoError(t, device.SetEntryByName("controlword", NewUint16Value(0x000F), AccessMethodPDO))

	frames := bus.sentTo(0x301)
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{0x06, 0x00}, frames[0].Payload()[:2])
	assert.Equal(t, []byte{0x0F, 0x00}, frames[1].Payload()[:2])
}

func TestPDOMappingValidation(t *testing.T) {
	core, _ := newTestCore()
	defer core.Stop()

	device := NewDevice(core, 1)
	require.NoError(t, device.AddEntry(Address{Index: 0x2000}, "big", TypeUint32, AccessReadWrite))
	require.NoError(t, device.AddEntry(Address{Index: 0x2001}, "wide", TypeUint32, AccessReadWrite))
	require.NoError(t, device.AddEntry(Address{Index: 0x2002}, "name", TypeVisibleString, AccessReadWrite))
	defer device.Close()

	// Out of frame
	err := device.AddTransmitPDOMapping(0x201, []TransmitMapping{{EntryName: "big", Offset: 6}}, TransmissionPeriodic, time.Second)
	assert.Error(t, err)
	// Overlap
	err = device.AddTransmitPDOMapping(0x201, []TransmitMapping{
		{EntryName: "big", Offset: 0},
		{EntryName: "wide", Offset: 2},
	}, TransmissionPeriodic, time.Second)
	assert.Error(t, err)
	// Strings cannot be mapped
	err = device.AddTransmitPDOMapping(0x201, []TransmitMapping{{EntryName: "name", Offset: 0}}, TransmissionPeriodic, time.Second)
	assert.Error(t, err)
}

func TestPDOReceiveMappingUpdatesEntry(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	device := NewDevice(core, 1)
	require.NoError(t, device.AddEntry(Address{Index: 0x606C}, "velocity_actual_value", TypeInt32, AccessReadOnly))
	defer device.Close()

	require.NoError(t, device.AddReceivePDOMapping(0x181, "velocity_actual_value", 2))

	bus.Inject(Frame{ID: 0x181, Length: 6, Data: [8]byte{0xAA, 0xBB, 0xD0, 0x07, 0x00, 0x00}})
	assert.Eventually(t, func() bool {
		value, err := device.GetEntryByName("velocity_actual_value", AccessMethodPDO)
		if err != nil || !value.Valid() {
			return false
		}
		v, _ := value.Int()
		return v == 2000
	}, 100*time.Millisecond, 2*time.Millisecond)
}

func TestPDOReceiveMappingShortPayloadDropped(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	device := NewDevice(core, 1)
	require.NoError(t, device.AddEntry(Address{Index: 0x606C}, "velocity_actual_value", TypeInt32, AccessReadOnly))
	defer device.Close()

	require.NoError(t, device.AddReceivePDOMapping(0x181, "velocity_actual_value", 2))

	// 4 bytes < offset + width : dropped, entry stays invalid
	bus.Inject(Frame{ID: 0x181, Length: 4, Data: [8]byte{1, 2, 3, 4}})
	time.Sleep(20 * time.Millisecond)
	value, err := device.GetEntryByName("velocity_actual_value", AccessMethodPDO)
	require.NoError(t, err)
	assert.False(t, value.Valid())
}

func TestPDOReceiveMappingRejectsBadOffset(t *testing.T) {
	core, _ := newTestCore()
	defer core.Stop()

	device := NewDevice(core, 1)
	require.NoError(t, device.AddEntry(Address{Index: 0x606C}, "velocity_actual_value", TypeInt32, AccessReadOnly))
	defer device.Close()

	err := device.AddReceivePDOMapping(0x181, "velocity_actual_value", 5)
	assert.Error(t, err)
}

func TestPDORequestAndWait(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	bus.addResponder(func(sent Frame) []testResponse {
		if !sent.Rtr || sent.ID != 0x181 {
			return nil
		}
		return []testResponse{{
			wait:  time.Millisecond,
			frame: Frame{ID: 0x181, Length: 4, Data: [8]byte{0xD0, 0x07, 0x00, 0x00}},
		}}
	})

	frame, err := core.PDO.RequestAndWait(0x181, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xD0, 0x07, 0x00, 0x00}, frame.Payload())
}

func TestPDORequestAndWaitTimeout(t *testing.T) {
	core, _ := newTestCore()
	defer core.Stop()

	_, err := core.PDO.RequestAndWait(0x181, 30*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestPDOSyncFlushesSynchronousTransmitters(t *testing.T) {
	core, bus := newTestCore()
	defer core.Stop()

	device := NewDevice(core, 1)
	require.NoError(t, device.AddEntry(Address{Index: 0x6040}, "controlword", TypeUint16, AccessReadWrite))
	defer device.Close()

	require.NoError(t, device.SetEntryByName("controlword", NewUint16Value(0x000F), AccessMethodPDO))
	err := device.AddTransmitPDOMapping(0x401, []TransmitMapping{
		{EntryName: "controlword", Offset: 0},
	}, TransmissionSynchronous, 0)
	require.NoError(t, err)

	bus.Inject(Frame{ID: ServiceSYNC, Length: 0})
	assert.Eventually(t, func() bool {
		return len(bus.sentTo(0x401)) == 1
	}, 100*time.Millisecond, 2*time.Millisecond)
}
