package canopen

import (
	"errors"
	"fmt"
)

var (
	ErrIllegalArgument = errors.New("error in function arguments")
	ErrBusClosed       = errors.New("bus is closed")
	ErrCoreStopped     = errors.New("core is not running")
	ErrCancelled       = errors.New("operation cancelled")
	ErrTimeout         = errors.New("function timeout")
	ErrInvalidPdoNb    = errors.New("pdo number should be between 1 and 4")
)

type SDOErrorKind uint8

const (
	SDOErrorResponseTimeout SDOErrorKind = iota
	SDOErrorAbort
	SDOErrorMalformed
	SDOErrorUnknown
)

var sdoErrorKindDescription = map[SDOErrorKind]string{
	SDOErrorResponseTimeout: "response timeout",
	SDOErrorAbort:           "server abort",
	SDOErrorMalformed:       "malformed response",
	SDOErrorUnknown:         "unknown",
}

// SDOError is returned by failed SDO transactions. Timeouts are retried
// internally before being surfaced, aborts never are.
type SDOError struct {
	Kind      SDOErrorKind
	AbortCode SDOAbortCode
	NodeId    uint8
	Index     uint16
	Subindex  uint8
}

func (e *SDOError) Error() string {
	if e.Kind == SDOErrorAbort {
		return fmt.Sprintf("sdo error node x%x x%x:x%x : %v (x%x)",
			e.NodeId, e.Index, e.Subindex, e.AbortCode.Error(), uint32(e.AbortCode))
	}
	return fmt.Sprintf("sdo error node x%x x%x:x%x : %v",
		e.NodeId, e.Index, e.Subindex, sdoErrorKindDescription[e.Kind])
}

func (e *SDOError) Unwrap() error {
	if e.Kind == SDOErrorAbort {
		return e.AbortCode
	}
	return nil
}

type DictionaryErrorKind uint8

const (
	DictErrorUnknownEntry DictionaryErrorKind = iota
	DictErrorUnknownOperation
	DictErrorUnknownConstant
	DictErrorWrongType
	DictErrorMappingSize
	DictErrorDuplicate
)

var dictErrorKindDescription = map[DictionaryErrorKind]string{
	DictErrorUnknownEntry:     "unknown dictionary entry",
	DictErrorUnknownOperation: "unknown operation",
	DictErrorUnknownConstant:  "unknown constant",
	DictErrorWrongType:        "wrong type",
	DictErrorMappingSize:      "invalid PDO mapping size",
	DictErrorDuplicate:        "duplicate name or address",
}

// DictionaryError signals misuse of the object dictionary, a programmer
// error surfaced to the caller.
type DictionaryError struct {
	Kind   DictionaryErrorKind
	Name   string
	Detail string
}

func (e *DictionaryError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%v : %v", dictErrorKindDescription[e.Kind], e.Name)
	}
	return fmt.Sprintf("%v : %v (%v)", dictErrorKindDescription[e.Kind], e.Name, e.Detail)
}
