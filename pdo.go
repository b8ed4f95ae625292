package canopen

import (
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// TransmissionType selects how a transmit PDO is emitted.
type TransmissionType uint8

const (
	TransmissionPeriodic TransmissionType = iota
	TransmissionOnChange
	TransmissionSynchronous
)

// PDOReceivedCallback is invoked with the 0-8 byte payload of a PDO frame.
type PDOReceivedCallback func(payload []byte)

type pdoCallback struct {
	id       string
	callback PDOReceivedCallback
}

// PDOEngine demultiplexes received PDO frames by exact COB-ID and owns the
// transmit side : periodic producers, on-change send closures and
// synchronous transmitters flushed on SYNC.
type PDOEngine struct {
	core *Core

	mu        sync.Mutex
	callbacks map[uint16][]pdoCallback

	txMu         sync.Mutex
	transmitters []*PDOTransmitter
}

func newPDOEngine(core *Core) *PDOEngine {
	return &PDOEngine{
		core:      core,
		callbacks: make(map[uint16][]pdoCallback),
	}
}

// AddPDOReceivedCallback registers a callback for an exact COB-ID and
// returns a token for removal. Callbacks for one COB-ID run synchronously
// in registration order.
func (engine *PDOEngine) AddPDOReceivedCallback(cobId uint16, callback PDOReceivedCallback) string {
	token := uuid.NewString()
	engine.mu.Lock()
	defer engine.mu.Unlock()
	engine.callbacks[cobId] = append(engine.callbacks[cobId], pdoCallback{id: token, callback: callback})
	return token
}

// RemovePDOReceivedCallback removes a callback by its token.
func (engine *PDOEngine) RemovePDOReceivedCallback(cobId uint16, token string) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	callbacks := engine.callbacks[cobId]
	for i, registered := range callbacks {
		if registered.id == token {
			engine.callbacks[cobId] = append(callbacks[:i], callbacks[i+1:]...)
			break
		}
	}
	if len(engine.callbacks[cobId]) == 0 {
		delete(engine.callbacks, cobId)
	}
}

// handleFrame runs on the receive worker. The registry lock is released
// before any callback runs. Returns false when no callback is registered
// for the COB-ID.
func (engine *PDOEngine) handleFrame(frame Frame) bool {
	if frame.Rtr {
		return false
	}
	engine.mu.Lock()
	registered := engine.callbacks[frame.ID]
	callbacks := make([]pdoCallback, len(registered))
	copy(callbacks, registered)
	engine.mu.Unlock()
	if len(callbacks) == 0 {
		return false
	}
	payload := frame.Payload()
	for _, entry := range callbacks {
		entry.callback(payload)
	}
	return true
}

// Request sends a remote request frame for the PDO on cobId.
func (engine *PDOEngine) Request(cobId uint16) error {
	return engine.core.Send(NewRemoteFrame(cobId, 8))
}

// Wait blocks until the next PDO frame on cobId arrives, bounded by
// timeout. The wait happens on the caller, never on the receive worker.
func (engine *PDOEngine) Wait(cobId uint16, timeout time.Duration) (Frame, error) {
	waiter := engine.core.addFrameWaiter(cobId)
	defer engine.core.removeFrameWaiter(waiter)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-waiter.c:
		return frame, nil
	case <-timer.C:
		return Frame{}, ErrTimeout
	case <-engine.core.done:
		return Frame{}, ErrCancelled
	}
}

// RequestAndWait combines an RTR request with a bounded wait for the
// answering PDO frame.
func (engine *PDOEngine) RequestAndWait(cobId uint16, timeout time.Duration) (Frame, error) {
	waiter := engine.core.addFrameWaiter(cobId)
	defer engine.core.removeFrameWaiter(waiter)
	err := engine.core.Send(NewRemoteFrame(cobId, 8))
	if err != nil {
		return Frame{}, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case frame := <-waiter.c:
		return frame, nil
	case <-timer.C:
		return Frame{}, ErrTimeout
	case <-engine.core.done:
		return Frame{}, ErrCancelled
	}
}

// syncTick runs on the receive worker when a SYNC frame arrives and
// flushes all synchronous transmitters.
func (engine *PDOEngine) syncTick() {
	engine.txMu.Lock()
	transmitters := make([]*PDOTransmitter, len(engine.transmitters))
	copy(transmitters, engine.transmitters)
	engine.txMu.Unlock()
	for _, transmitter := range transmitters {
		if transmitter.transmissionType == TransmissionSynchronous {
			transmitter.Send()
		}
	}
}

type tpdoSlot struct {
	entry  *Entry
	offset uint8
	width  uint8
}

// PDOTransmitter assembles an 8 byte frame from the current values of its
// mapped entries and sends it on its COB-ID. Gaps stay zero.
type PDOTransmitter struct {
	engine           *PDOEngine
	cobId            uint16
	slots            []tpdoSlot
	transmissionType TransmissionType
	period           time.Duration
	stopOnce         sync.Once
	stop             chan struct{}
	subscriptions    []subscription
}

type subscription struct {
	entry *Entry
	token string
}

// newTransmitter validates the mapping set : slots must fit in 8 bytes and
// not overlap. Fixed width types are checked by the caller, which builds
// the slots.
func (engine *PDOEngine) newTransmitter(cobId uint16, slots []tpdoSlot, transmissionType TransmissionType, period time.Duration) (*PDOTransmitter, error) {
	var used [8]bool
	for _, slot := range slots {
		if int(slot.offset)+int(slot.width) > 8 {
			return nil, &DictionaryError{
				Kind: DictErrorMappingSize,
				Name: slot.entry.Name,
			}
		}
		for i := slot.offset; i < slot.offset+slot.width; i++ {
			if used[i] {
				return nil, &DictionaryError{
					Kind:   DictErrorMappingSize,
					Name:   slot.entry.Name,
					Detail: "overlapping mapping",
				}
			}
			used[i] = true
		}
	}
	transmitter := &PDOTransmitter{
		engine:           engine,
		cobId:            cobId,
		slots:            slots,
		transmissionType: transmissionType,
		period:           period,
		stop:             make(chan struct{}),
	}
	engine.txMu.Lock()
	engine.transmitters = append(engine.transmitters, transmitter)
	engine.txMu.Unlock()

	switch transmissionType {
	case TransmissionPeriodic:
		if period == 0 {
			log.Warnf("[PDO] periodic TPDO x%x has period 0, this can overload the bus", cobId)
		}
		engine.core.wg.Add(1)
		go transmitter.runPeriodic()
	case TransmissionOnChange:
		for _, slot := range slots {
			token := slot.entry.AddValueChangedCallback(func(Value) {
				err := transmitter.Send()
				if err != nil {
					log.Warnf("[PDO] on-change send for TPDO x%x failed : %v", cobId, err)
				}
			})
			transmitter.subscriptions = append(transmitter.subscriptions, subscription{entry: slot.entry, token: token})
		}
	}
	return transmitter, nil
}

// Send assembles the frame from a snapshot of each entry and writes it on
// the bus. Entries without a valid value contribute zeroes.
func (transmitter *PDOTransmitter) Send() error {
	var data [8]byte
	for _, slot := range transmitter.slots {
		value := slot.entry.Value()
		if value.Valid() {
			copy(data[slot.offset:slot.offset+slot.width], value.Bytes())
		}
	}
	return transmitter.engine.core.Send(NewFrame(transmitter.cobId, data[:]))
}

func (transmitter *PDOTransmitter) runPeriodic() {
	defer transmitter.engine.core.wg.Done()
	for {
		select {
		case <-transmitter.stop:
			return
		case <-transmitter.engine.core.done:
			return
		case <-time.After(transmitter.period):
			err := transmitter.Send()
			if err != nil {
				log.Warnf("[PDO] periodic send for TPDO x%x failed : %v", transmitter.cobId, err)
			}
		}
	}
}

// Stop halts the periodic worker and detaches on-change subscriptions.
func (transmitter *PDOTransmitter) Stop() {
	transmitter.stopOnce.Do(func() { close(transmitter.stop) })
	for _, sub := range transmitter.subscriptions {
		sub.entry.RemoveValueChangedCallback(sub.token)
	}
	transmitter.subscriptions = nil
	engine := transmitter.engine
	engine.txMu.Lock()
	for i, registered := range engine.transmitters {
		if registered == transmitter {
			engine.transmitters = append(engine.transmitters[:i], engine.transmitters[i+1:]...)
			break
		}
	}
	engine.txMu.Unlock()
}
