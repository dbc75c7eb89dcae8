// Package block defines the driver-agnostic contract MorpheusX's two block
// back-ends (block/ahci, block/virtioblk) implement, and the error kinds
// the rest of the system matches against regardless of which back-end is
// in use (spec §3, component C).
package block

import "errors"

// Info is a block device's static geometry, read once during
// initialization.
type Info struct {
	SectorSize  uint32 // bytes per logical sector, almost always 512
	SectorCount uint64
	ReadOnly    bool
}

// Request is one outstanding read, write, or flush, identified by Tag so
// the caller can match it back up when PollCompletion reports it done.
// Data must be exactly SectorCount*Info.SectorSize bytes and already
// resident in a DMA region the device can reach (spec §4.2: "caller
// supplies a buffer already backed by a DMA region").
type Request struct {
	Tag         uint64
	StartSector uint64
	Data        []byte
}

// Kind distinguishes a completed Request's outcome.
type Kind int

const (
	Pending Kind = iota
	Done
	Failed
)

// Completion reports one Request finishing, successfully or not.
type Completion struct {
	Tag  uint64
	Kind Kind
	Err  error
}

// Device is the contract shared by every block back-end: submit a
// read/write/flush, ring the device's doorbell once, and later poll for
// completions. No call here blocks (spec §5: "no blocking, no sleeping").
type Device interface {
	Info() Info

	// SubmitRead and SubmitWrite enqueue req without transferring
	// control to the device; Notify must be called afterward to make
	// queued requests visible.
	SubmitRead(req Request) error
	SubmitWrite(req Request) error
	SubmitFlush(tag uint64) error

	// Notify rings the device's doorbell for whatever has been
	// submitted since the last call.
	Notify()

	// PollCompletion drains at most one completed request per call,
	// reporting ok=false when nothing new has completed.
	PollCompletion() (Completion, bool)
}

var (
	ErrInvalidSector = errors.New("block: sector out of range or misaligned")
	ErrQueueFull     = errors.New("block: no free request slots")
	ErrReadOnly      = errors.New("block: write submitted to a read-only device")
	ErrDeviceError   = errors.New("block: device reported an I/O error")
	ErrNoDevice      = errors.New("block: no supported block device found")
)
