package canopen

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// TransmitMapping places one dictionary entry at a byte offset of a
// transmit PDO frame.
type TransmitMapping struct {
	EntryName string
	Offset    uint8
}

// RemotePDOConfig carries the communication parameters written during a
// remote PDO remap. Nil optional fields are not written.
type RemotePDOConfig struct {
	TransmitType uint8
	InhibitTime  *uint16
	EventTimer   *uint16
}

type receiveBinding struct {
	cobId uint16
	token string
}

// Device is the per-node facade of the stack. It binds a parsed object
// dictionary to live values and routes reads and writes over SDO or PDO.
// A Device holds a non-owning reference to its Core, the Core must
// outlive it.
type Device struct {
	core   *Core
	nodeId uint8

	dict *Dictionary

	opMu       sync.Mutex
	operations map[string]Operation
	constants  map[string]Value

	pdoMu        sync.Mutex
	receiveBinds []receiveBinding
	transmitters []*PDOTransmitter

	hbMu     sync.Mutex
	hbStop   chan struct{}
	hbActive bool
}

// NewDevice creates a Device for the given node id. The dictionary starts
// empty, load it from an EDS file or the built-in library.
func NewDevice(core *Core, nodeId uint8) *Device {
	return &Device{
		core:       core,
		nodeId:     nodeId,
		dict:       NewDictionary(),
		operations: make(map[string]Operation),
		constants:  make(map[string]Value),
	}
}

// NodeId returns the node id this device controls.
func (device *Device) NodeId() uint8 {
	return device.nodeId
}

// Dictionary exposes the device's object dictionary.
func (device *Device) Dictionary() *Dictionary {
	return device.dict
}

// Start loads the profile operations and constants and brings the remote
// node to operational state.
func (device *Device) Start() error {
	profile, err := device.GetDeviceProfileNumber()
	if err != nil {
		log.Warnf("[DEVICE][x%x] cannot determine device profile : %v", device.nodeId, err)
	} else {
		device.loadOperations(profile)
		device.loadConstants(profile)
	}
	return device.core.NMT.SendCommand(device.nodeId, NMTStartNode)
}

// Close unregisters all PDO callbacks, stops transmit producers and the
// heartbeat producer. The device must not be used afterwards.
func (device *Device) Close() {
	device.pdoMu.Lock()
	binds := device.receiveBinds
	transmitters := device.transmitters
	device.receiveBinds = nil
	device.transmitters = nil
	device.pdoMu.Unlock()
	for _, bind := range binds {
		device.core.PDO.RemovePDOReceivedCallback(bind.cobId, bind.token)
	}
	for _, transmitter := range transmitters {
		transmitter.Stop()
	}
	device.StopRequestHeartbeat()
}

// HasEntry reports whether the address exists in the dictionary.
func (device *Device) HasEntry(address Address) bool {
	return device.dict.HasAddress(address)
}

// HasEntryByName reports whether the name is known.
func (device *Device) HasEntryByName(name string) bool {
	return device.dict.HasName(name)
}

func (device *Device) entry(address Address) (*Entry, error) {
	entry, ok := device.dict.FindAddress(address)
	if !ok {
		return nil, &DictionaryError{Kind: DictErrorUnknownEntry, Name: addressString(address)}
	}
	return entry, nil
}

func (device *Device) entryByName(name string) (*Entry, error) {
	entry, ok := device.dict.FindName(name)
	if !ok {
		return nil, &DictionaryError{Kind: DictErrorUnknownEntry, Name: EscapeName(name)}
	}
	return entry, nil
}

func addressString(address Address) string {
	return fmt.Sprintf("x%x:x%x", address.Index, address.Subindex)
}

// GetEntry reads an entry with the given access method. SDO performs an
// upload and refreshes the cache, PDO returns the cached value which may
// still be invalid, PDORequestAndWait remote-requests the mapped PDO and
// waits for the answering frame.
func (device *Device) GetEntry(address Address, method AccessMethod) (Value, error) {
	entry, err := device.entry(address)
	if err != nil {
		return Value{}, err
	}
	return device.getEntry(entry, method)
}

// GetEntryByName is GetEntry addressed by canonical name.
func (device *Device) GetEntryByName(name string, method AccessMethod) (Value, error) {
	entry, err := device.entryByName(name)
	if err != nil {
		return Value{}, err
	}
	return device.getEntry(entry, method)
}

func (device *Device) getEntry(entry *Entry, method AccessMethod) (Value, error) {
	if method == AccessMethodUseDefault {
		method = entry.ReadMethod
	}
	switch method {
	case AccessMethodSDO:
		return device.getEntryViaSDO(entry)
	case AccessMethodPDO:
		return entry.Value(), nil
	case AccessMethodPDORequestAndWait:
		return device.getEntryViaPDORequest(entry)
	default:
		return Value{}, ErrIllegalArgument
	}
}

func (device *Device) getEntryViaSDO(entry *Entry) (Value, error) {
	data, err := device.core.SDO.Upload(device.nodeId, entry.Address.Index, entry.Address.Subindex)
	if err != nil {
		return Value{}, err
	}
	value, err := NewValue(entry.Type, data)
	if err != nil {
		return Value{}, &DictionaryError{Kind: DictErrorWrongType, Name: entry.Name, Detail: err.Error()}
	}
	entry.SetValue(value)
	return value, nil
}

func (device *Device) getEntryViaPDORequest(entry *Entry) (Value, error) {
	if entry.pdoCobId == 0 {
		return Value{}, &DictionaryError{
			Kind:   DictErrorUnknownEntry,
			Name:   entry.Name,
			Detail: "no receive PDO mapping for this entry",
		}
	}
	_, err := device.core.PDO.RequestAndWait(entry.pdoCobId, device.core.config.SDOResponseTimeout)
	if err == ErrTimeout && device.core.config.PDORequestFallbackSDO {
		log.Debugf("[DEVICE][x%x] PDO request for %v timed out, falling back to SDO", device.nodeId, entry.Name)
		return device.getEntryViaSDO(entry)
	}
	if err != nil {
		return Value{}, err
	}
	// The receive mapping callback has updated the entry during dispatch
	return entry.Value(), nil
}

// SetEntry writes an entry with the given access method. The value is
// type checked against the entry, the cache is updated and, for SDO, the
// value downloaded to the remote node.
func (device *Device) SetEntry(address Address, value Value, method AccessMethod) error {
	entry, err := device.entry(address)
	if err != nil {
		return err
	}
	return device.setEntry(entry, value, method)
}

// SetEntryByName is SetEntry addressed by canonical name.
func (device *Device) SetEntryByName(name string, value Value, method AccessMethod) error {
	entry, err := device.entryByName(name)
	if err != nil {
		return err
	}
	return device.setEntry(entry, value, method)
}

func (device *Device) setEntry(entry *Entry, value Value, method AccessMethod) error {
	if value.Type != entry.Type {
		return &DictionaryError{
			Kind:   DictErrorWrongType,
			Name:   entry.Name,
			Detail: "entry type " + entry.Type.String() + ", given " + value.Type.String(),
		}
	}
	if method == AccessMethodUseDefault {
		method = entry.WriteMethod
	}
	entry.SetValue(value)
	if method == AccessMethodSDO {
		err := device.core.SDO.Download(device.nodeId, entry.Address.Index, entry.Address.Subindex, value.Bytes())
		if err != nil {
			return err
		}
	}
	return nil
}

// AddEntry extends the dictionary, failing on duplicate name or address.
func (device *Device) AddEntry(address Address, name string, dataType DataType, accessType AccessType) error {
	return device.dict.Add(NewEntry(address, name, dataType, accessType))
}

// AddConstant registers a named constant, failing on duplicates.
func (device *Device) AddConstant(name string, value Value) error {
	name = EscapeName(name)
	device.opMu.Lock()
	defer device.opMu.Unlock()
	if _, exists := device.constants[name]; exists {
		return &DictionaryError{Kind: DictErrorDuplicate, Name: name}
	}
	device.constants[name] = value
	return nil
}

// ReplaceConstant overwrites a constant, the explicit counterpart of
// AddConstant.
func (device *Device) ReplaceConstant(name string, value Value) {
	name = EscapeName(name)
	device.opMu.Lock()
	defer device.opMu.Unlock()
	device.constants[name] = value
}

// GetConstant returns a named constant.
func (device *Device) GetConstant(name string) (Value, error) {
	name = EscapeName(name)
	device.opMu.Lock()
	defer device.opMu.Unlock()
	value, exists := device.constants[name]
	if !exists {
		return Value{}, &DictionaryError{Kind: DictErrorUnknownConstant, Name: name}
	}
	return value, nil
}

// AddOperation registers a named operation, failing on duplicates.
func (device *Device) AddOperation(name string, operation Operation) error {
	name = EscapeName(name)
	device.opMu.Lock()
	defer device.opMu.Unlock()
	if _, exists := device.operations[name]; exists {
		return &DictionaryError{Kind: DictErrorDuplicate, Name: name}
	}
	device.operations[name] = operation
	return nil
}

// ReplaceOperation overwrites an operation.
func (device *Device) ReplaceOperation(name string, operation Operation) {
	name = EscapeName(name)
	device.opMu.Lock()
	defer device.opMu.Unlock()
	device.operations[name] = operation
}

// Execute invokes a named operation bound to this device.
func (device *Device) Execute(name string, argument Value) (Value, error) {
	name = EscapeName(name)
	device.opMu.Lock()
	operation, exists := device.operations[name]
	device.opMu.Unlock()
	if !exists {
		return Value{}, &DictionaryError{Kind: DictErrorUnknownOperation, Name: name}
	}
	return operation(device, argument)
}

func (device *Device) loadOperations(profile uint16) {
	operations, ok := profileOperations[profile]
	if !ok {
		return
	}
	device.opMu.Lock()
	defer device.opMu.Unlock()
	for name, operation := range operations {
		device.operations[name] = operation
	}
}

func (device *Device) loadConstants(profile uint16) {
	constants, ok := profileConstants[profile]
	if !ok {
		return
	}
	device.opMu.Lock()
	defer device.opMu.Unlock()
	for name, value := range constants {
		device.constants[name] = value
	}
}

// GetDeviceProfileNumber reads the low 16 bits of the device type object.
func (device *Device) GetDeviceProfileNumber() (uint16, error) {
	deviceType, err := device.core.SDO.UploadUint32(device.nodeId, 0x1000, 0)
	if err != nil {
		return 0, err
	}
	return uint16(deviceType & 0xFFFF), nil
}

// LoadDictionaryFromEDS replaces the dictionary with the entries of the
// given EDS file, then binds standard profile names on top.
func (device *Device) LoadDictionaryFromEDS(path string) error {
	err := LoadEDSFromFile(device.dict, path, device.nodeId, LoadOptions{ClearDictionary: true})
	if err != nil {
		return err
	}
	// 0x1000 is needed to look up the profile defaults
	if !device.HasEntry(Address{Index: 0x1000}) {
		err := device.AddEntry(Address{Index: 0x1000}, "device_type", TypeUint32, AccessReadOnly)
		if err != nil {
			return err
		}
	}
	profile, err := device.GetDeviceProfileNumber()
	if err != nil {
		log.Warnf("[DEVICE][x%x] cannot read device profile, skipping standard names : %v", device.nodeId, err)
		return nil
	}
	loadProfileEntries(device.dict, profile, LoadOptions{JustAddMappings: true})
	return nil
}

// LoadDictionaryFromLibrary builds the dictionary without a user supplied
// EDS : manufacturer entries first when an EDS library carries a matching
// file, then the CiA profile defaults in name-only mode, then the
// mandatory CiA 301 entries as a last resort.
func (device *Device) LoadDictionaryFromLibrary(libraryPath string) error {
	loadedManufacturer := false
	vendorId, err1 := device.core.SDO.UploadUint32(device.nodeId, 0x1018, 1)
	productCode, err2 := device.core.SDO.UploadUint32(device.nodeId, 0x1018, 2)
	if err1 == nil && err2 == nil {
		path, found := findManufacturerEDS(libraryPath, vendorId, productCode)
		if found {
			err := LoadEDSFromFile(device.dict, path, device.nodeId, LoadOptions{ClearDictionary: true})
			if err != nil {
				return err
			}
			loadedManufacturer = true
			log.Infof("[DEVICE][x%x] loaded manufacturer dictionary %v", device.nodeId, path)
		}
	}
	if !device.HasEntry(Address{Index: 0x1000}) {
		err := device.AddEntry(Address{Index: 0x1000}, "device_type", TypeUint32, AccessReadOnly)
		if err != nil {
			return err
		}
	}
	profile, err := device.GetDeviceProfileNumber()
	if err == nil {
		options := LoadOptions{JustAddMappings: loadedManufacturer, MarkEntriesAsGeneric: true}
		if loadProfileEntries(device.dict, profile, options) {
			return nil
		}
	}
	loadMandatoryEntries(device.dict, LoadOptions{})
	return nil
}

// ReadCompleteDictionary uploads every entry over SDO, disabling the ones
// the remote device aborts.
func (device *Device) ReadCompleteDictionary() {
	for _, entry := range device.dict.Entries() {
		_, err := device.getEntryViaSDO(entry)
		if err == nil {
			continue
		}
		if sdoErr, ok := err.(*SDOError); ok && sdoErr.Kind == SDOErrorAbort {
			entry.Disabled = true
			log.Debugf("[DEVICE][x%x] disabling entry %v : %v", device.nodeId, entry.Name, err)
		} else {
			log.Debugf("[DEVICE][x%x] cannot read entry %v : %v", device.nodeId, entry.Name, err)
		}
	}
}

// PrintDictionary logs all enabled entries sorted by address.
func (device *Device) PrintDictionary() {
	for _, entry := range device.dict.Entries() {
		if entry.Disabled {
			continue
		}
		log.Infof("x%04x:x%02x %-40v %-14v %v",
			entry.Address.Index, entry.Address.Subindex, entry.Name, entry.Type, entry.Value())
	}
}

// RegisterEmergencyCallback subscribes to EMCY frames of this node.
func (device *Device) RegisterEmergencyCallback(callback EmergencyCallback) {
	device.core.RegisterEmergencyCallback(device.nodeId, callback)
}

// AddReceivePDOMapping binds a byte range of the PDO on cobId to a
// dictionary entry. Each matching frame updates the entry, which in turn
// notifies value subscribers. Short payloads are logged and dropped.
func (device *Device) AddReceivePDOMapping(cobId uint16, entryName string, offset uint8) error {
	entry, err := device.entryByName(entryName)
	if err != nil {
		return err
	}
	width, fixed := entry.Type.Size()
	if !fixed {
		return &DictionaryError{Kind: DictErrorMappingSize, Name: entry.Name, Detail: "dynamic width type cannot be PDO mapped"}
	}
	if int(offset)+int(width) > 8 {
		return &DictionaryError{Kind: DictErrorMappingSize, Name: entry.Name, Detail: "offset + width exceeds 8 bytes"}
	}
	entry.pdoCobId = cobId
	token := device.core.PDO.AddPDOReceivedCallback(cobId, func(payload []byte) {
		if len(payload) < int(offset)+int(width) {
			log.Warnf("[DEVICE][x%x] PDO x%x payload too short for %v, dropping", device.nodeId, cobId, entry.Name)
			return
		}
		value, err := NewValue(entry.Type, payload[offset:offset+width])
		if err != nil {
			log.Warnf("[DEVICE][x%x] cannot build value for %v : %v", device.nodeId, entry.Name, err)
			return
		}
		entry.SetValue(value)
	})
	device.pdoMu.Lock()
	device.receiveBinds = append(device.receiveBinds, receiveBinding{cobId: cobId, token: token})
	device.pdoMu.Unlock()
	return nil
}

// AddTransmitPDOMapping registers a transmit PDO built from dictionary
// entries. PERIODIC spawns a producer goroutine, ON_CHANGE sends on every
// value update of a mapped entry.
func (device *Device) AddTransmitPDOMapping(cobId uint16, mappings []TransmitMapping, transmissionType TransmissionType, period time.Duration) error {
	slots := make([]tpdoSlot, 0, len(mappings))
	for _, mapping := range mappings {
		entry, err := device.entryByName(mapping.EntryName)
		if err != nil {
			return err
		}
		width, fixed := entry.Type.Size()
		if !fixed {
			return &DictionaryError{Kind: DictErrorMappingSize, Name: entry.Name, Detail: "dynamic width type cannot be PDO mapped"}
		}
		slots = append(slots, tpdoSlot{entry: entry, offset: mapping.Offset, width: width})
	}
	transmitter, err := device.core.PDO.newTransmitter(cobId, slots, transmissionType, period)
	if err != nil {
		return err
	}
	device.pdoMu.Lock()
	device.transmitters = append(device.transmitters, transmitter)
	device.pdoMu.Unlock()
	return nil
}

// RequestHeartbeat spawns a producer that emits a heartbeat frame on
// 0x700+nodeId every interval until StopRequestHeartbeat or Close.
func (device *Device) RequestHeartbeat(nodeId uint8, interval time.Duration, rtr bool, state NMTState) {
	if interval == 0 {
		return
	}
	device.hbMu.Lock()
	defer device.hbMu.Unlock()
	if device.hbActive {
		return
	}
	device.hbActive = true
	device.hbStop = make(chan struct{})
	stop := device.hbStop

	frame := NewFrame(ServiceHeartbeat+uint16(nodeId), []byte{byte(state)})
	frame.Rtr = rtr
	device.core.wg.Add(1)
	go func() {
		defer device.core.wg.Done()
		for {
			err := device.core.Send(frame)
			if err != nil {
				log.Warnf("[DEVICE][x%x] heartbeat send failed : %v", nodeId, err)
			}
			select {
			case <-stop:
				return
			case <-device.core.done:
				return
			case <-time.After(interval):
			}
		}
	}()
}

// StopRequestHeartbeat stops the heartbeat producer if one is running.
func (device *Device) StopRequestHeartbeat() {
	device.hbMu.Lock()
	defer device.hbMu.Unlock()
	if device.hbActive {
		close(device.hbStop)
		device.hbActive = false
	}
}

// tpdoIndexes returns the communication and mapping parameter indexes of
// the n-th transmit PDO of the remote device.
func tpdoIndexes(pdoNb uint8) (comm uint16, mapping uint16, err error) {
	if pdoNb < 1 || pdoNb > 4 {
		return 0, 0, ErrInvalidPdoNb
	}
	return 0x1800 + uint16(pdoNb) - 1, 0x1A00 + uint16(pdoNb) - 1, nil
}

// rpdoIndexes is tpdoIndexes for receive PDOs.
func rpdoIndexes(pdoNb uint8) (comm uint16, mapping uint16, err error) {
	if pdoNb < 1 || pdoNb > 4 {
		return 0, 0, ErrInvalidPdoNb
	}
	return 0x1400 + uint16(pdoNb) - 1, 0x1600 + uint16(pdoNb) - 1, nil
}

// MapTPDOInDevice reconfigures a transmit PDO on the remote device. Each
// mapping word packs (index<<16)|(subindex<<8)|bit width. The sequence
// disables the PDO, clears and rewrites the mapping, sets the
// communication parameters and re-enables the PDO. Any failing SDO step
// aborts the sequence.
func (device *Device) MapTPDOInDevice(pdoNb uint8, mappings []uint32, config RemotePDOConfig) error {
	comm, mapping, err := tpdoIndexes(pdoNb)
	if err != nil {
		return err
	}
	return device.remapPDO(comm, mapping, mappings, config)
}

// MapRPDOInDevice reconfigures a receive PDO on the remote device.
func (device *Device) MapRPDOInDevice(pdoNb uint8, mappings []uint32, config RemotePDOConfig) error {
	comm, mapping, err := rpdoIndexes(pdoNb)
	if err != nil {
		return err
	}
	return device.remapPDO(comm, mapping, mappings, config)
}

func (device *Device) remapPDO(comm uint16, mapping uint16, mappings []uint32, config RemotePDOConfig) error {
	sdo := device.core.SDO

	// Disable the PDO by setting bit 31 of its COB-ID
	cobId, err := sdo.UploadUint32(device.nodeId, comm, 1)
	if err != nil {
		return err
	}
	err = sdo.DownloadUint32(device.nodeId, comm, 1, cobId|(1<<31))
	if err != nil {
		return err
	}

	// Clear the mapping count, write the new words, restore the count
	err = sdo.DownloadUint8(device.nodeId, mapping, 0, 0)
	if err != nil {
		return err
	}
	for i, word := range mappings {
		err = sdo.DownloadUint32(device.nodeId, mapping, uint8(i)+1, word)
		if err != nil {
			return err
		}
	}
	err = sdo.DownloadUint8(device.nodeId, mapping, 0, uint8(len(mappings)))
	if err != nil {
		return err
	}

	err = sdo.DownloadUint8(device.nodeId, comm, 2, config.TransmitType)
	if err != nil {
		return err
	}
	if config.InhibitTime != nil {
		err = sdo.DownloadUint16(device.nodeId, comm, 3, *config.InhibitTime)
		if err != nil {
			return err
		}
	}
	if config.EventTimer != nil {
		err = sdo.DownloadUint16(device.nodeId, comm, 5, *config.EventTimer)
		if err != nil {
			return err
		}
	}

	// Re-enable by clearing bit 31
	return sdo.DownloadUint32(device.nodeId, comm, 1, cobId&^(1<<31))
}
