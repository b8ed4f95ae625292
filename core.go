package canopen

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// EmergencyError is the decoded payload of an EMCY frame.
type EmergencyError struct {
	ErrorCode     uint16
	ErrorRegister uint8
	Data          [5]byte
}

type EmergencyCallback func(nodeId uint8, emergency EmergencyError)

// frameWaiter is a one-shot subscription for the next frame on an exact
// COB-ID, used by pdo_request_and_wait style reads.
type frameWaiter struct {
	id    string
	cobId uint16
	c     chan Frame
}

// Core owns the transport and the single receive worker. It demultiplexes
// inbound frames by function code into the NMT supervisor, the SDO client
// and the PDO engine, and serialises outbound frames.
//
// The Core must outlive every Device created on top of it.
type Core struct {
	NMT *NMT
	SDO *SDOClient
	PDO *PDOEngine

	bus    Bus
	config Config

	txMu     sync.Mutex
	running  atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	emcyMu        sync.Mutex
	emcyCallbacks map[uint8][]EmergencyCallback

	waiterMu sync.Mutex
	waiters  map[uint16][]*frameWaiter

	unknownFrames atomic.Uint64
}

// NewCore creates a Core on the given bus. Call Start before anything else.
func NewCore(bus Bus, config Config) *Core {
	core := &Core{
		bus:           bus,
		config:        config,
		done:          make(chan struct{}),
		emcyCallbacks: make(map[uint8][]EmergencyCallback),
		waiters:       make(map[uint16][]*frameWaiter),
	}
	core.NMT = newNMT(core)
	core.SDO = newSDOClient(core)
	core.PDO = newPDOEngine(core)
	return core
}

// Start connects the bus and launches the receive worker and the NMT
// liveness sweep.
func (core *Core) Start() error {
	if core.running.Load() {
		return ErrIllegalArgument
	}
	err := core.bus.Connect()
	if err != nil {
		return err
	}
	core.running.Store(true)
	core.wg.Add(1)
	go core.receiveWorker()
	core.NMT.startAliveSweep()
	return nil
}

// Stop terminates the receive worker, all producer goroutines and wakes
// pending SDO waiters with ErrCancelled. Safe to call more than once.
func (core *Core) Stop() {
	core.stopOnce.Do(func() {
		core.running.Store(false)
		close(core.done)
		core.bus.Disconnect()
		core.wg.Wait()
	})
}

// Running reports whether the receive worker is active.
func (core *Core) Running() bool {
	return core.running.Load()
}

// Send writes a single frame to the bus, one writer at a time.
func (core *Core) Send(frame Frame) error {
	if !core.running.Load() {
		return ErrCoreStopped
	}
	core.txMu.Lock()
	defer core.txMu.Unlock()
	return core.bus.Send(frame)
}

// UnknownFrames returns the number of inbound frames dropped because no
// handler was registered for their COB-ID.
func (core *Core) UnknownFrames() uint64 {
	return core.unknownFrames.Load()
}

// RegisterEmergencyCallback adds a callback for EMCY frames of a node.
func (core *Core) RegisterEmergencyCallback(nodeId uint8, callback EmergencyCallback) {
	core.emcyMu.Lock()
	defer core.emcyMu.Unlock()
	core.emcyCallbacks[nodeId] = append(core.emcyCallbacks[nodeId], callback)
}

func (core *Core) receiveWorker() {
	defer core.wg.Done()
	for {
		frame, err := core.bus.Recv()
		if err == ErrBusClosed {
			log.Info("[CORE] bus closed, receive worker exiting")
			core.running.Store(false)
			return
		}
		if err != nil {
			log.Warnf("[CORE] transport read error : %v", err)
			continue
		}
		select {
		case <-core.done:
			return
		default:
		}
		core.dispatch(frame)
	}
}

// dispatch routes one inbound frame by the function code of its COB-ID.
// Handlers must not block : anything that needs to wait does so on its own
// channel, never on the receive worker.
func (core *Core) dispatch(frame Frame) {
	// Waiters are notified last so a woken caller observes the effects of
	// the handlers, e.g. a PDO mapping updating its entry
	defer core.notifyWaiters(frame)

	if frame.ID == ServiceNMT {
		// Master originates NMT commands, inbound ones are not ours to act on
		return
	}
	if frame.ID == ServiceSYNC {
		core.PDO.syncTick()
		return
	}
	nodeId := frame.NodeId()
	switch frame.FunctionCode() {
	case ServiceEmergency:
		core.handleEmergency(nodeId, frame)
	case ServiceSDOTx:
		core.SDO.handleResponse(nodeId, frame)
	case ServiceSDORx:
		// Master originated request echoed back, nothing to do
	case ServiceHeartbeat:
		core.NMT.handleHeartbeat(nodeId, frame)
	default:
		if core.PDO.handleFrame(frame) {
			return
		}
		core.unknownFrames.Add(1)
		log.Debugf("[CORE] dropping frame with unknown COB-ID x%x", frame.ID)
	}
}

func (core *Core) handleEmergency(nodeId uint8, frame Frame) {
	if frame.Length < 3 {
		log.Warnf("[EMCY] short emergency frame from node x%x, ignoring", nodeId)
		return
	}
	emergency := EmergencyError{
		ErrorCode:     binary.LittleEndian.Uint16(frame.Data[0:2]),
		ErrorRegister: frame.Data[2],
	}
	copy(emergency.Data[:], frame.Data[3:8])
	core.emcyMu.Lock()
	callbacks := append([]EmergencyCallback{}, core.emcyCallbacks[nodeId]...)
	core.emcyMu.Unlock()
	for _, callback := range callbacks {
		callback(nodeId, emergency)
	}
}

// addFrameWaiter registers a one-shot waiter for the next frame on cobId.
func (core *Core) addFrameWaiter(cobId uint16) *frameWaiter {
	waiter := &frameWaiter{
		id:    uuid.NewString(),
		cobId: cobId,
		c:     make(chan Frame, 1),
	}
	core.waiterMu.Lock()
	core.waiters[cobId] = append(core.waiters[cobId], waiter)
	core.waiterMu.Unlock()
	return waiter
}

func (core *Core) removeFrameWaiter(waiter *frameWaiter) {
	core.waiterMu.Lock()
	defer core.waiterMu.Unlock()
	waiters := core.waiters[waiter.cobId]
	for i, candidate := range waiters {
		if candidate.id == waiter.id {
			core.waiters[waiter.cobId] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(core.waiters[waiter.cobId]) == 0 {
		delete(core.waiters, waiter.cobId)
	}
}

func (core *Core) notifyWaiters(frame Frame) {
	if frame.Rtr {
		return
	}
	core.waiterMu.Lock()
	waiters := core.waiters[frame.ID]
	if len(waiters) > 0 {
		delete(core.waiters, frame.ID)
	}
	core.waiterMu.Unlock()
	for _, waiter := range waiters {
		waiter.c <- frame
	}
}
