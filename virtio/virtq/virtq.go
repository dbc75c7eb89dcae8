// Package virtq implements a split virtqueue, as described by the Virtual
// I/O Device (VIRTIO) Version 1.2 spec, §2.7. Packed virtqueues are not
// supported.
//
// A split virtqueue is three separate areas that the driver lays out in a
// single DMA region: a descriptor table, a driver-written "available"
// ring, and a device-written "used" ring. MorpheusX is always the driver
// side, never the device side, so unlike a device emulator's virtqueue
// this package only ever produces avail entries and consumes used
// entries.
package virtq

import (
	"errors"
	"unsafe"

	"github.com/morpheusx-boot/morpheusx/cpu"
)

// Desc is one descriptor table entry (VIRTIO 1.2 §2.7.5), identical in
// layout to struct virtq_desc.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

const (
	DescFNext     = 1 // buffer continues in the descriptor Next points to
	DescFWrite    = 2 // buffer is device write-only (otherwise read-only)
	DescFIndirect = 4 // buffer contains a descriptor table
)

const (
	availFlagNoInterrupt = 1
	usedFlagNoNotify     = 1
)

// MaxQueueSize bounds the queue sizes MorpheusX negotiates; it must be a
// power of two (VIRTIO 1.2 §2.7: "Queue Size corresponds to the maximum
// number of descriptors in the virtqueue").
const MaxQueueSize = 256

// availLayout is the driver-written "available" ring header (VIRTIO 1.2
// §2.7.6), with a fixed maximum ring capacity so it can be placed directly
// over DMA memory.
type availLayout struct {
	Flags     uint16
	Idx       uint16
	Ring      [MaxQueueSize]uint16
	UsedEvent uint16 // valid only with VIRTIO_F_EVENT_IDX
}

type usedElem struct {
	ID  uint32
	Len uint32
}

// usedLayout is the device-written "used" ring header (VIRTIO 1.2 §2.7.8).
type usedLayout struct {
	Flags      uint16
	Idx        uint16
	Ring       [MaxQueueSize]usedElem
	AvailEvent uint16 // valid only with VIRTIO_F_EVENT_IDX
}

var (
	ErrQueueFull    = errors.New("virtq: no free descriptors")
	ErrChainTooLong = errors.New("virtq: descriptor chain longer than queue size")
	ErrInvalidSize  = errors.New("virtq: queue size must be a power of two no greater than MaxQueueSize")
)

// Queue is a driver-side handle onto a split virtqueue's three DMA
// regions (spec §3.1 Virtqueue: desc_base, avail_base, used_base,
// queue_size, notify_addr, last_seen_used_idx, next_avail_idx,
// buffer_pool).
type Queue struct {
	desc  []Desc
	avail *availLayout
	used  *usedLayout

	size       uint16
	notifyAddr uintptr

	lastSeenUsedIdx uint16
	nextAvailIdx    uint16

	// freeHead is the head of a singly linked free list threaded through
	// desc[i].Next, the usual way a virtio driver recycles descriptor
	// slots without a separate allocator.
	freeHead uint16
	numFree  uint16
}

// New builds a Queue over three already-zeroed DMA buffers: descBase must
// hold size*16 bytes, availBase 6+2*size bytes, usedBase 6+8*size bytes
// (VIRTIO 1.2 §2.7). The caller programs queue_desc/queue_driver/
// queue_device with the buffers' bus addresses and computes notifyAddr
// from the notification capability (spec §4.1 prepare_device).
func New(descBase, availBase, usedBase unsafe.Pointer, size uint16, notifyAddr uintptr) (*Queue, error) {
	if size == 0 || size > MaxQueueSize || size&(size-1) != 0 {
		return nil, ErrInvalidSize
	}

	q := &Queue{
		desc:       unsafe.Slice((*Desc)(descBase), size),
		avail:      (*availLayout)(availBase),
		used:       (*usedLayout)(usedBase),
		size:       size,
		notifyAddr: notifyAddr,
		numFree:    size,
	}

	for i := uint16(0); i < size; i++ {
		q.desc[i] = Desc{Next: i + 1}
	}

	return q, nil
}

// Buffer describes one buffer to chain into a descriptor chain.
type Buffer struct {
	Addr  uint64
	Len   uint32
	Write bool // device writes into this buffer, rather than reading it
}

// Submit builds a descriptor chain for bufs, links it into the descriptor
// table, and publishes it on the avail ring (spec §4.1 submit_request:
// "builds a descriptor chain, writes it to the avail ring, advances
// next_avail_idx"). It returns the head descriptor index, used later to
// recognize the chain's completion in Collect.
func (q *Queue) Submit(bufs []Buffer) (head uint16, err error) {
	if len(bufs) == 0 || uint16(len(bufs)) > q.size {
		return 0, ErrChainTooLong
	}

	if uint16(len(bufs)) > q.numFree {
		return 0, ErrQueueFull
	}

	head = q.freeHead
	prev := uint16(0)

	for i, b := range bufs {
		idx := q.freeHead
		q.freeHead = q.desc[idx].Next

		flags := uint16(0)
		if b.Write {
			flags |= DescFWrite
		}
		if i < len(bufs)-1 {
			flags |= DescFNext
		}

		q.desc[idx] = Desc{
			Addr:  b.Addr,
			Len:   b.Len,
			Flags: flags,
		}

		if i > 0 {
			q.desc[prev].Next = idx
		}

		prev = idx
	}

	q.numFree -= uint16(len(bufs))

	// The descriptor chain must be visible to the device before the
	// avail ring entry that references it (VIRTIO 1.2 §2.7.13.1).
	cpu.SFence()

	q.avail.Ring[q.nextAvailIdx%q.size] = head
	q.nextAvailIdx++

	cpu.SFence()

	q.avail.Idx = q.nextAvailIdx

	return head, nil
}

// NeedsNotify reports whether the device has not suppressed notifications
// (VIRTIO 1.2 §2.7.7, VIRTQ_USED_F_NO_NOTIFY), meaning the driver should
// write to NotifyAddr after submitting.
func (q *Queue) NeedsNotify() bool {
	cpu.MFence()
	return q.used.Flags&usedFlagNoNotify == 0
}

// NotifyAddr returns the MMIO address to write the queue index to when
// NeedsNotify is true.
func (q *Queue) NotifyAddr() uintptr {
	return q.notifyAddr
}

// Collect harvests one completed chain from the used ring, freeing its
// descriptors back into the pool, or reports ok=false if the device
// hasn't produced anything new (spec §4.1 poll_completion: "compares
// used.idx against last_seen_used_idx").
func (q *Queue) Collect() (head uint16, written uint32, ok bool) {
	cpu.LFence()

	if q.lastSeenUsedIdx == q.used.Idx {
		return 0, 0, false
	}

	elem := q.used.Ring[q.lastSeenUsedIdx%q.size]
	q.lastSeenUsedIdx++

	q.free(uint16(elem.ID))

	return uint16(elem.ID), elem.Len, true
}

// free walks the DescFNext chain starting at head, returning every
// descriptor in it to the free list.
func (q *Queue) free(head uint16) {
	idx := head
	for {
		next := q.desc[idx].Next
		hasNext := q.desc[idx].Flags&DescFNext != 0

		q.desc[idx] = Desc{Next: q.freeHead}
		q.freeHead = idx
		q.numFree++

		if !hasNext {
			return
		}
		idx = next
	}
}

// DisableInterrupts sets the avail ring's no-interrupt hint. MorpheusX
// never takes device interrupts — the main loop polls every queue once
// per iteration instead (spec §5) — so this is set once, at setup.
func (q *Queue) DisableInterrupts() {
	q.avail.Flags = availFlagNoInterrupt
}

// Size returns the queue's negotiated descriptor count.
func (q *Queue) Size() uint16 {
	return q.size
}
