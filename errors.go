package mmd

import (
	"errors"

	"github.com/ofsmmd/mmd/device"
)

var (
	ErrInvalidParam           = errors.New("invalid parameter")
	ErrInvalidHandle          = errors.New("invalid device handle")
	ErrUnsupportedProgramMode = errors.New("only programming that preserves global memory is supported")
	ErrClosed                 = errors.New("manager is closed")

	ErrOutOfMemory          = errors.New("out of memory")
	ErrUnsupportedAlignment = errors.New("unsupported alignment")
	ErrUnsupportedProperty  = errors.New("unsupported memory property")
	ErrInvalidPointer       = errors.New("pointer was not allocated here")
	ErrInvalidMigrationSize = errors.New("invalid migration size")
)

// Status codes returned across the runtime boundary.
const (
	StatusOK             = 0
	StatusError          = -1
	StatusImageNotLoaded = -2
	StatusInitFailed     = -3
)

// Allocation result codes.
const (
	AllocSuccess              = 0
	AllocInvalidHandle        = -1
	AllocOutOfMemory          = -2
	AllocUnsupportedAlignment = -3
	AllocUnsupportedProperty  = -4
	AllocInvalidPointer       = -5
	AllocInvalidMigrationSize = -6
)

// StatusCode maps an error from Open, Close or a block operation to the
// integer the runtime expects.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, device.ErrImageNotLoaded):
		return StatusImageNotLoaded
	case errors.Is(err, device.ErrInitFailed):
		return StatusInitFailed
	}
	return StatusError
}

// AllocErrorCode maps an error from the allocation functions.
func AllocErrorCode(err error) int {
	switch {
	case err == nil:
		return AllocSuccess
	case errors.Is(err, ErrOutOfMemory):
		return AllocOutOfMemory
	case errors.Is(err, ErrUnsupportedAlignment):
		return AllocUnsupportedAlignment
	case errors.Is(err, ErrUnsupportedProperty):
		return AllocUnsupportedProperty
	case errors.Is(err, ErrInvalidPointer):
		return AllocInvalidPointer
	case errors.Is(err, ErrInvalidMigrationSize):
		return AllocInvalidMigrationSize
	}
	return AllocInvalidHandle
}
