package canopen

import (
	"encoding/binary"
	"math"
)

// Typed convenience wrappers around Upload / Download for the common
// fixed width CiA 301 scalars.

func (client *SDOClient) UploadUint8(nodeId uint8, index uint16, subindex uint8) (uint8, error) {
	data, err := client.Upload(nodeId, index, subindex)
	if err != nil {
		return 0, err
	}
	if len(data) < 1 {
		return 0, &SDOError{Kind: SDOErrorMalformed, NodeId: nodeId, Index: index, Subindex: subindex}
	}
	return data[0], nil
}

func (client *SDOClient) UploadUint16(nodeId uint8, index uint16, subindex uint8) (uint16, error) {
	data, err := client.Upload(nodeId, index, subindex)
	if err != nil {
		return 0, err
	}
	if len(data) < 2 {
		return 0, &SDOError{Kind: SDOErrorMalformed, NodeId: nodeId, Index: index, Subindex: subindex}
	}
	return binary.LittleEndian.Uint16(data), nil
}

func (client *SDOClient) UploadUint32(nodeId uint8, index uint16, subindex uint8) (uint32, error) {
	data, err := client.Upload(nodeId, index, subindex)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, &SDOError{Kind: SDOErrorMalformed, NodeId: nodeId, Index: index, Subindex: subindex}
	}
	return binary.LittleEndian.Uint32(data), nil
}

func (client *SDOClient) UploadFloat32(nodeId uint8, index uint16, subindex uint8) (float32, error) {
	raw, err := client.UploadUint32(nodeId, index, subindex)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(raw), nil
}

func (client *SDOClient) UploadString(nodeId uint8, index uint16, subindex uint8) (string, error) {
	data, err := client.Upload(nodeId, index, subindex)
	if err != nil {
		return "", err
	}
	// Visible strings may carry a trailing nul
	for len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	return string(data), nil
}

func (client *SDOClient) DownloadUint8(nodeId uint8, index uint16, subindex uint8, value uint8) error {
	return client.Download(nodeId, index, subindex, []byte{value})
}

func (client *SDOClient) DownloadUint16(nodeId uint8, index uint16, subindex uint8, value uint16) error {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, value)
	return client.Download(nodeId, index, subindex, data)
}

func (client *SDOClient) DownloadUint32(nodeId uint8, index uint16, subindex uint8, value uint32) error {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, value)
	return client.Download(nodeId, index, subindex, data)
}
