package canopen

import (
	"sync"

	"github.com/brutella/can"
	log "github.com/sirupsen/logrus"
)

// Bus is the frame level transport consumed by the Core. Recv blocks until
// a frame arrives and returns ErrBusClosed once the bus is torn down.
// Custom backends (test buses, virtual buses) implement this interface.
type Bus interface {
	Connect() error
	Send(frame Frame) error
	Recv() (Frame, error)
	Disconnect() error
}

const rxQueueSize = 128

// SocketCANBus adapts a linux socketcan interface to the Bus interface
// using brutella/can. The bitrate is a property of the interface itself
// (ip link set canX type can bitrate ...), it is logged here for reference
// only.
type SocketCANBus struct {
	ifaceName string
	bitrate   int
	bus       *can.Bus
	rx        chan Frame
	done      chan struct{}
	closeOnce sync.Once
}

func NewSocketCANBus(ifaceName string, bitrate int) *SocketCANBus {
	return &SocketCANBus{
		ifaceName: ifaceName,
		bitrate:   bitrate,
		rx:        make(chan Frame, rxQueueSize),
		done:      make(chan struct{}),
	}
}

func (bus *SocketCANBus) Connect() error {
	inner, err := can.NewBusForInterfaceWithName(bus.ifaceName)
	if err != nil {
		return err
	}
	bus.bus = inner
	inner.SubscribeFunc(bus.handle)
	go func() {
		err := inner.ConnectAndPublish()
		if err != nil {
			log.Errorf("[CAN] publish loop for %v ended : %v", bus.ifaceName, err)
		}
		bus.closeOnce.Do(func() { close(bus.done) })
	}()
	log.Infof("[CAN] connected to %v (bitrate %v)", bus.ifaceName, bus.bitrate)
	return nil
}

// handle runs on the brutella/can receive goroutine, it only forwards into
// the rx queue. A full queue drops the frame, the alternative is blocking
// the socket reader.
func (bus *SocketCANBus) handle(frame can.Frame) {
	converted := Frame{
		ID:     uint16(frame.ID & CanSffMask),
		Rtr:    frame.ID&CanRtrFlag != 0,
		Length: frame.Length,
		Data:   frame.Data,
	}
	select {
	case bus.rx <- converted:
	default:
		log.Warnf("[CAN] rx queue full, dropping frame x%x", converted.ID)
	}
}

func (bus *SocketCANBus) Send(frame Frame) error {
	id := uint32(frame.ID)
	if frame.Rtr {
		id |= CanRtrFlag
	}
	return bus.bus.Publish(can.Frame{ID: id, Length: frame.Length, Data: frame.Data})
}

func (bus *SocketCANBus) Recv() (Frame, error) {
	select {
	case frame := <-bus.rx:
		return frame, nil
	case <-bus.done:
		// Drain what arrived before the close
		select {
		case frame := <-bus.rx:
			return frame, nil
		default:
			return Frame{}, ErrBusClosed
		}
	}
}

func (bus *SocketCANBus) Disconnect() error {
	bus.closeOnce.Do(func() { close(bus.done) })
	if bus.bus == nil {
		return nil
	}
	return bus.bus.Disconnect()
}
