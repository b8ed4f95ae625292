package canopen

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/thoas/go-funk"
)

// NMTCommand is a network management command as sent on COB-ID 0x000.
type NMTCommand uint8

const (
	NMTStartNode           NMTCommand = 0x01
	NMTStopNode            NMTCommand = 0x02
	NMTEnterPreOperational NMTCommand = 0x80
	NMTResetNode           NMTCommand = 0x81
	NMTResetCommunication  NMTCommand = 0x82
)

var nmtCommandDescription = map[NMTCommand]string{
	NMTStartNode:           "start node",
	NMTStopNode:            "stop node",
	NMTEnterPreOperational: "enter pre-operational",
	NMTResetNode:           "reset node",
	NMTResetCommunication:  "reset communication",
}

// NMTState is the state byte a node reports in its heartbeat.
type NMTState uint8

const (
	NMTStateInitializing   NMTState = 0x00
	NMTStateStopped        NMTState = 0x04
	NMTStateOperational    NMTState = 0x05
	NMTStatePreOperational NMTState = 0x7F
)

// DeviceLiveness is the supervisor's view of one node.
type DeviceLiveness uint8

const (
	DeviceAlive DeviceLiveness = iota
	DeviceToBeKilled
	DeviceDead
)

type DeviceAliveCallback func(nodeId uint8)

// NMT supervises the network : it issues NMT commands, consumes heartbeats
// and tracks node liveness with a two-phase sweep. A node that misses two
// consecutive sweeps is declared dead, which gives it one full interval of
// grace.
//
// Callbacks run off the receive worker, one goroutine per invocation.
// Never register a callback from within a callback, the registry mutex is
// not reentrant.
type NMT struct {
	core *Core

	callbackMu     sync.Mutex
	aliveCallbacks []DeviceAliveCallback
	deadCallbacks  []DeviceAliveCallback

	livenessMu sync.Mutex
	liveness   map[uint8]DeviceLiveness
	states     map[uint8]NMTState

	interval   time.Duration
	intervalMu sync.Mutex
}

func newNMT(core *Core) *NMT {
	return &NMT{
		core:     core,
		liveness: make(map[uint8]DeviceLiveness),
		states:   make(map[uint8]NMTState),
		interval: core.config.AliveCheckInterval,
	}
}

// SendCommand sends an NMT command to one node. Node id 0 broadcasts.
func (nmt *NMT) SendCommand(nodeId uint8, command NMTCommand) error {
	if nodeId > 127 {
		return ErrIllegalArgument
	}
	if _, ok := nmtCommandDescription[command]; !ok {
		return ErrIllegalArgument
	}
	log.Debugf("[NMT] sending command %v to node(s) x%x", nmtCommandDescription[command], nodeId)
	return nmt.core.Send(NewFrame(ServiceNMT, []byte{byte(command), nodeId}))
}

// BroadcastCommand sends an NMT command to all nodes.
func (nmt *NMT) BroadcastCommand(command NMTCommand) error {
	return nmt.SendCommand(0, command)
}

// ResetAllNodes broadcasts reset node.
func (nmt *NMT) ResetAllNodes() error {
	return nmt.BroadcastCommand(NMTResetNode)
}

// DiscoverNodes sends a node guard remote frame to every possible node id.
// Nodes answer with their state on 0x700+id which flows through the normal
// heartbeat path, so discovery results arrive via the alive callbacks.
func (nmt *NMT) DiscoverNodes() error {
	for nodeId := uint8(1); nodeId <= 127; nodeId++ {
		err := nmt.core.Send(NewRemoteFrame(ServiceHeartbeat+uint16(nodeId), 1))
		if err != nil {
			return err
		}
	}
	return nil
}

// RegisterDeviceAliveCallback adds a callback fired once per transition of
// a node to alive.
func (nmt *NMT) RegisterDeviceAliveCallback(callback DeviceAliveCallback) {
	nmt.callbackMu.Lock()
	defer nmt.callbackMu.Unlock()
	nmt.aliveCallbacks = append(nmt.aliveCallbacks, callback)
}

// RegisterDeviceDeadCallback adds a callback fired once per transition of
// a node to dead.
func (nmt *NMT) RegisterDeviceDeadCallback(callback DeviceAliveCallback) {
	nmt.callbackMu.Lock()
	defer nmt.callbackMu.Unlock()
	nmt.deadCallbacks = append(nmt.deadCallbacks, callback)
}

// NodeState returns the last NMT state reported by the node.
func (nmt *NMT) NodeState(nodeId uint8) (NMTState, bool) {
	nmt.livenessMu.Lock()
	defer nmt.livenessMu.Unlock()
	state, ok := nmt.states[nodeId]
	return state, ok
}

// Liveness returns the current liveness of the node. Nodes never heard
// from report dead.
func (nmt *NMT) Liveness(nodeId uint8) DeviceLiveness {
	nmt.livenessMu.Lock()
	defer nmt.livenessMu.Unlock()
	liveness, ok := nmt.liveness[nodeId]
	if !ok {
		return DeviceDead
	}
	return liveness
}

// AliveNodes returns the ids of all nodes currently considered alive,
// including those pending the grace sweep.
func (nmt *NMT) AliveNodes() []uint8 {
	nmt.livenessMu.Lock()
	snapshot := make(map[uint8]DeviceLiveness, len(nmt.liveness))
	for nodeId, liveness := range nmt.liveness {
		snapshot[nodeId] = liveness
	}
	nmt.livenessMu.Unlock()
	nodeIds := funk.Keys(snapshot).([]uint8)
	return funk.Filter(nodeIds, func(nodeId uint8) bool {
		return snapshot[nodeId] != DeviceDead
	}).([]uint8)
}

// ChangeAliveCheckInterval adjusts the sweep period, taking effect on the
// next sweep.
func (nmt *NMT) ChangeAliveCheckInterval(interval time.Duration) {
	nmt.intervalMu.Lock()
	defer nmt.intervalMu.Unlock()
	nmt.interval = interval
}

func (nmt *NMT) aliveCheckInterval() time.Duration {
	nmt.intervalMu.Lock()
	defer nmt.intervalMu.Unlock()
	return nmt.interval
}

// handleHeartbeat runs on the receive worker. Byte 0 low seven bits carry
// the node state.
func (nmt *NMT) handleHeartbeat(nodeId uint8, frame Frame) {
	if frame.Rtr || frame.Length < 1 {
		return
	}
	state := NMTState(frame.Data[0] & 0x7F)
	nmt.livenessMu.Lock()
	previous, known := nmt.liveness[nodeId]
	nmt.liveness[nodeId] = DeviceAlive
	nmt.states[nodeId] = state
	nmt.livenessMu.Unlock()

	if !known || previous == DeviceDead {
		log.Infof("[NMT] node x%x is alive, state %v", nodeId, state)
		nmt.fireCallbacks(nmt.snapshotCallbacks(true), nodeId)
	}
}

func (nmt *NMT) snapshotCallbacks(alive bool) []DeviceAliveCallback {
	nmt.callbackMu.Lock()
	defer nmt.callbackMu.Unlock()
	if alive {
		return append([]DeviceAliveCallback{}, nmt.aliveCallbacks...)
	}
	return append([]DeviceAliveCallback{}, nmt.deadCallbacks...)
}

// fireCallbacks launches one goroutine per callback, the supervisor never
// waits for them.
func (nmt *NMT) fireCallbacks(callbacks []DeviceAliveCallback, nodeId uint8) {
	for _, callback := range callbacks {
		go callback(nodeId)
	}
}

func (nmt *NMT) startAliveSweep() {
	nmt.core.wg.Add(1)
	go func() {
		defer nmt.core.wg.Done()
		for {
			select {
			case <-nmt.core.done:
				return
			case <-time.After(nmt.aliveCheckInterval()):
				nmt.checkAliveDevices()
			}
		}
	}()
}

// checkAliveDevices implements the two-phase liveness policy : alive nodes
// are marked to-be-killed, nodes still marked on the following pass become
// dead.
func (nmt *NMT) checkAliveDevices() {
	var died []uint8
	nmt.livenessMu.Lock()
	for nodeId, liveness := range nmt.liveness {
		switch liveness {
		case DeviceAlive:
			nmt.liveness[nodeId] = DeviceToBeKilled
		case DeviceToBeKilled:
			nmt.liveness[nodeId] = DeviceDead
			died = append(died, nodeId)
		}
	}
	nmt.livenessMu.Unlock()

	for _, nodeId := range died {
		log.Warnf("[NMT] node x%x missed two sweeps, declaring dead", nodeId)
		nmt.fireCallbacks(nmt.snapshotCallbacks(false), nodeId)
	}
}
