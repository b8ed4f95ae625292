package canopen

import (
	"encoding/binary"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// SDO command specifiers, client side
const (
	sdoRequestUpload          uint8 = 0x40
	sdoRequestDownload        uint8 = 0x20
	sdoRequestUploadSegment   uint8 = 0x60
	sdoRequestDownloadSegment uint8 = 0x00
	sdoAbortCommand           uint8 = 0x80

	sdoResponseUpload          uint8 = 0x40
	sdoResponseDownload        uint8 = 0x60
	sdoResponseUploadSegment   uint8 = 0x00
	sdoResponseDownloadSegment uint8 = 0x20

	sdoExpeditedBit     uint8 = 0x02
	sdoSizeIndicatedBit uint8 = 0x01
	sdoToggleBit        uint8 = 0x10
	sdoNoMoreSegments   uint8 = 0x01
)

// sdoNode holds the per-node transaction state. The mutex serialises
// callers on the same node, the channel carries responses from the receive
// worker in FIFO order.
type sdoNode struct {
	mu        sync.Mutex
	responses chan Frame
}

// SDOClient executes confirmed request/response transactions on the
// 0x600+id / 0x580+id COB-ID pair. At most one transaction is in flight
// per node, different nodes proceed in parallel. Expedited transfers carry
// up to 4 bytes, anything longer is segmented. Timeouts retry the whole
// transaction, aborts surface immediately.
type SDOClient struct {
	core  *Core
	mu    sync.Mutex
	nodes map[uint8]*sdoNode
}

func newSDOClient(core *Core) *SDOClient {
	return &SDOClient{
		core:  core,
		nodes: make(map[uint8]*sdoNode),
	}
}

func (client *SDOClient) node(nodeId uint8) *sdoNode {
	client.mu.Lock()
	defer client.mu.Unlock()
	node, ok := client.nodes[nodeId]
	if !ok {
		node = &sdoNode{responses: make(chan Frame, 8)}
		client.nodes[nodeId] = node
	}
	return node
}

// handleResponse runs on the receive worker and must not block. Responses
// arriving with a full queue belong to no live transaction and are
// dropped.
func (client *SDOClient) handleResponse(nodeId uint8, frame Frame) {
	if frame.Length != 8 {
		log.Warnf("[SDO] ignoring short response from node x%x", nodeId)
		return
	}
	node := client.node(nodeId)
	select {
	case node.responses <- frame:
	default:
		log.Debugf("[SDO] unsolicited response from node x%x dropped", nodeId)
	}
}

// Upload reads the value of a remote dictionary entry.
func (client *SDOClient) Upload(nodeId uint8, index uint16, subindex uint8) ([]byte, error) {
	node := client.node(nodeId)
	node.mu.Lock()
	defer node.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= client.core.config.RepeatsOnSDOTimeout; attempt++ {
		data, err := client.uploadOnce(node, nodeId, index, subindex)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !isSDOTimeout(err) {
			return nil, err
		}
		log.Debugf("[SDO] upload x%x:x%x from node x%x timed out, attempt %v", index, subindex, nodeId, attempt+1)
	}
	return nil, lastErr
}

// Download writes data to a remote dictionary entry.
func (client *SDOClient) Download(nodeId uint8, index uint16, subindex uint8, data []byte) error {
	node := client.node(nodeId)
	node.mu.Lock()
	defer node.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt <= client.core.config.RepeatsOnSDOTimeout; attempt++ {
		err := client.downloadOnce(node, nodeId, index, subindex, data)
		if err == nil {
			return nil
		}
		lastErr = err
		if !isSDOTimeout(err) {
			return err
		}
		log.Debugf("[SDO] download x%x:x%x to node x%x timed out, attempt %v", index, subindex, nodeId, attempt+1)
	}
	return lastErr
}

func isSDOTimeout(err error) bool {
	sdoErr, ok := err.(*SDOError)
	return ok && sdoErr.Kind == SDOErrorResponseTimeout
}

func (client *SDOClient) uploadOnce(node *sdoNode, nodeId uint8, index uint16, subindex uint8) ([]byte, error) {
	drainResponses(node)

	request := [8]byte{sdoRequestUpload}
	binary.LittleEndian.PutUint16(request[1:3], index)
	request[3] = subindex
	err := client.core.Send(NewFrame(ServiceSDORx+uint16(nodeId), request[:]))
	if err != nil {
		return nil, err
	}
	response, err := client.await(node, nodeId, index, subindex)
	if err != nil {
		return nil, err
	}
	if err := client.checkResponse(response, nodeId, index, subindex, sdoResponseUpload); err != nil {
		return nil, err
	}

	// Expedited : data bytes are in the initiate response itself
	if response.Data[0]&sdoExpeditedBit != 0 {
		count := 4
		if response.Data[0]&sdoSizeIndicatedBit != 0 {
			count -= int(response.Data[0]>>2) & 0x03
		}
		log.Debugf("[SDO] <==Rx node x%x | UPLOAD EXPEDITED | x%x:x%x %v", nodeId, index, subindex, response.Data)
		return response.Payload()[4 : 4+count], nil
	}

	// Segmented : 32 bit total length then alternating toggle segments
	var total uint32
	if response.Data[0]&sdoSizeIndicatedBit != 0 {
		total = binary.LittleEndian.Uint32(response.Data[4:8])
	}
	data := make([]byte, 0, total)
	toggle := uint8(0)
	for {
		segment := [8]byte{sdoRequestUploadSegment | toggle}
		err := client.core.Send(NewFrame(ServiceSDORx+uint16(nodeId), segment[:]))
		if err != nil {
			return nil, err
		}
		response, err := client.await(node, nodeId, index, subindex)
		if err != nil {
			return nil, err
		}
		if response.Data[0] == sdoAbortCommand {
			return nil, client.abortError(response, nodeId, index, subindex)
		}
		if response.Data[0]&0xE0 != sdoResponseUploadSegment {
			return nil, client.malformed(nodeId, index, subindex, SDOAbortCommand)
		}
		if response.Data[0]&sdoToggleBit != toggle {
			return nil, client.malformed(nodeId, index, subindex, SDOAbortToggleBit)
		}
		toggle ^= sdoToggleBit
		count := 7 - int(response.Data[0]>>1)&0x07
		data = append(data, response.Data[1:1+count]...)
		if total > 0 && uint32(len(data)) > total {
			return nil, client.malformed(nodeId, index, subindex, SDOAbortDataLong)
		}
		if response.Data[0]&sdoNoMoreSegments != 0 {
			break
		}
	}
	if total > 0 {
		data = data[:total]
	}
	log.Debugf("[SDO] <==Rx node x%x | UPLOAD SEGMENTED | x%x:x%x %v bytes", nodeId, index, subindex, len(data))
	return data, nil
}

func (client *SDOClient) downloadOnce(node *sdoNode, nodeId uint8, index uint16, subindex uint8, data []byte) error {
	drainResponses(node)

	request := [8]byte{sdoRequestDownload}
	binary.LittleEndian.PutUint16(request[1:3], index)
	request[3] = subindex

	expedited := len(data) <= 4
	if expedited {
		request[0] |= sdoExpeditedBit | sdoSizeIndicatedBit | uint8(4-len(data))<<2
		copy(request[4:], data)
	} else {
		request[0] |= sdoSizeIndicatedBit
		binary.LittleEndian.PutUint32(request[4:8], uint32(len(data)))
	}
	err := client.core.Send(NewFrame(ServiceSDORx+uint16(nodeId), request[:]))
	if err != nil {
		return err
	}
	response, err := client.await(node, nodeId, index, subindex)
	if err != nil {
		return err
	}
	if err := client.checkResponse(response, nodeId, index, subindex, sdoResponseDownload); err != nil {
		return err
	}
	if expedited {
		log.Debugf("[SDO] ==>Tx node x%x | DOWNLOAD EXPEDITED | x%x:x%x %v", nodeId, index, subindex, data)
		return nil
	}

	toggle := uint8(0)
	for offset := 0; offset < len(data); {
		count := len(data) - offset
		if count > 7 {
			count = 7
		}
		segment := [8]byte{sdoRequestDownloadSegment | toggle | uint8(7-count)<<1}
		copy(segment[1:], data[offset:offset+count])
		offset += count
		if offset == len(data) {
			segment[0] |= sdoNoMoreSegments
		}
		err := client.core.Send(NewFrame(ServiceSDORx+uint16(nodeId), segment[:]))
		if err != nil {
			return err
		}
		response, err := client.await(node, nodeId, index, subindex)
		if err != nil {
			return err
		}
		if response.Data[0] == sdoAbortCommand {
			return client.abortError(response, nodeId, index, subindex)
		}
		if response.Data[0]&0xE0 != sdoResponseDownloadSegment {
			return client.malformed(nodeId, index, subindex, SDOAbortCommand)
		}
		if response.Data[0]&sdoToggleBit != toggle {
			return client.malformed(nodeId, index, subindex, SDOAbortToggleBit)
		}
		toggle ^= sdoToggleBit
	}
	log.Debugf("[SDO] ==>Tx node x%x | DOWNLOAD SEGMENTED | x%x:x%x %v bytes", nodeId, index, subindex, len(data))
	return nil
}

// await blocks the calling goroutine, never the receive worker, until the
// next response frame, the response deadline or core shutdown.
func (client *SDOClient) await(node *sdoNode, nodeId uint8, index uint16, subindex uint8) (Frame, error) {
	timer := time.NewTimer(client.core.config.SDOResponseTimeout)
	defer timer.Stop()
	select {
	case response := <-node.responses:
		return response, nil
	case <-timer.C:
		return Frame{}, &SDOError{Kind: SDOErrorResponseTimeout, NodeId: nodeId, Index: index, Subindex: subindex}
	case <-client.core.done:
		return Frame{}, ErrCancelled
	}
}

// checkResponse validates an initiate response : aborts, command specifier
// and the echoed index/subindex.
func (client *SDOClient) checkResponse(response Frame, nodeId uint8, index uint16, subindex uint8, expected uint8) error {
	if response.Data[0] == sdoAbortCommand {
		return client.abortError(response, nodeId, index, subindex)
	}
	if response.Data[0]&0xE0 != expected {
		return client.malformed(nodeId, index, subindex, SDOAbortCommand)
	}
	echoIndex := binary.LittleEndian.Uint16(response.Data[1:3])
	if echoIndex != index || response.Data[3] != subindex {
		return client.malformed(nodeId, index, subindex, SDOAbortParamIncompat)
	}
	return nil
}

func (client *SDOClient) abortError(response Frame, nodeId uint8, index uint16, subindex uint8) error {
	code := SDOAbortCode(binary.LittleEndian.Uint32(response.Data[4:8]))
	log.Debugf("[SDO] <==Rx node x%x | SERVER ABORT | x%x:x%x %v (x%x)", nodeId, index, subindex, code.Error(), uint32(code))
	return &SDOError{Kind: SDOErrorAbort, AbortCode: code, NodeId: nodeId, Index: index, Subindex: subindex}
}

// malformed sends a client abort on the bus and returns the matching
// typed error.
func (client *SDOClient) malformed(nodeId uint8, index uint16, subindex uint8, code SDOAbortCode) error {
	abort := [8]byte{sdoAbortCommand}
	binary.LittleEndian.PutUint16(abort[1:3], index)
	abort[3] = subindex
	binary.LittleEndian.PutUint32(abort[4:8], uint32(code))
	log.Warnf("[SDO] ==>Tx node x%x | CLIENT ABORT | x%x:x%x %v (x%x)", nodeId, index, subindex, code.Error(), uint32(code))
	client.core.Send(NewFrame(ServiceSDORx+uint16(nodeId), abort[:]))
	return &SDOError{Kind: SDOErrorMalformed, AbortCode: code, NodeId: nodeId, Index: index, Subindex: subindex}
}

// drainResponses discards responses left over from a previous timed out
// transaction so FIFO matching starts clean.
func drainResponses(node *sdoNode) {
	for {
		select {
		case <-node.responses:
		default:
			return
		}
	}
}
