// Package bpf builds the probe programs and defines the record they emit.
//
// Every stage gets the same program shape: stamp pid_tgid, the monotonic clock,
// the stage ID and the task comm into a stack buffer, then copy it to the ring
// buffer. Programs are assembled at runtime so the stage table can be changed
// without recompiling anything.
package bpf

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/mrzor/udplat/internal/event"
	"github.com/mrzor/udplat/internal/stage"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"golang.org/x/sys/unix"
)

// EventSize is the wire size of Event.
const EventSize = 40

// Stack offsets of the Event fields relative to the frame pointer.
const (
	offPidTgid   = -EventSize
	offTimestamp = offPidTgid + 8
	offStage     = offTimestamp + 8
	offPad       = offStage + 4
	offComm      = offPad + 4
	commLen      = 16
)

// Event matches the record written by the probe programs.
type Event struct {
	PidTgid   uint64
	Timestamp uint64
	Stage     uint32
	Pad       uint32
	Comm      [commLen]byte
}

// Decode parses a raw ring buffer sample.
func Decode(raw []byte) (Event, error) {
	var ev Event
	if len(raw) < EventSize {
		return ev, fmt.Errorf("short sample: %d bytes, want %d", len(raw), EventSize)
	}
	if err := binary.Read(bytes.NewReader(raw[:EventSize]), binary.LittleEndian, &ev); err != nil {
		return ev, fmt.Errorf("decoding sample: %w", err)
	}
	return ev, nil
}

// Key returns the context key carried by the event.
func (e *Event) Key() event.ContextKey {
	return event.ContextKey(e.PidTgid)
}

// Meta returns the descriptive fields of the event.
func (e *Event) Meta() event.Meta {
	key := e.Key()
	return event.Meta{
		PID:  key.PID(),
		TID:  key.TID(),
		Comm: unix.ByteSliceToString(e.Comm[:]),
	}
}

// Instructions assembles the probe body for stage id writing to the ring buffer ringbufFD.
func Instructions(id stage.ID, ringbufFD int) asm.Instructions {
	return asm.Instructions{
		asm.FnGetCurrentPidTgid.Call(),
		asm.StoreMem(asm.RFP, offPidTgid, asm.R0, asm.DWord),

		asm.FnKtimeGetNs.Call(),
		asm.StoreMem(asm.RFP, offTimestamp, asm.R0, asm.DWord),

		asm.StoreImm(asm.RFP, offStage, int64(id), asm.Word),
		asm.StoreImm(asm.RFP, offPad, 0, asm.Word),

		asm.StoreImm(asm.RFP, offComm, 0, asm.DWord),
		asm.StoreImm(asm.RFP, offComm+8, 0, asm.DWord),
		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, offComm),
		asm.Mov.Imm(asm.R2, commLen),
		asm.FnGetCurrentComm.Call(),

		asm.LoadMapPtr(asm.R1, ringbufFD),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, offPidTgid),
		asm.Mov.Imm(asm.R3, EventSize),
		asm.Mov.Imm(asm.R4, 0),
		asm.FnRingbufOutput.Call(),

		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	}
}

// ProgramType returns the program type able to attach to kind.
func ProgramType(kind stage.AttachKind) (ebpf.ProgramType, error) {
	switch kind {
	case stage.Kprobe, stage.Kretprobe:
		return ebpf.Kprobe, nil
	case stage.Tracepoint:
		return ebpf.TracePoint, nil
	default:
		return ebpf.UnspecifiedProgram, fmt.Errorf("unsupported attach kind %q", kind)
	}
}

// ProgramSpec describes the probe program for stage id of t.
func ProgramSpec(t *stage.Table, id stage.ID, ringbufFD int) (*ebpf.ProgramSpec, error) {
	st := t.Stage(id)
	typ, err := ProgramType(st.AttachPoint().Kind)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", st.Name, err)
	}
	return &ebpf.ProgramSpec{
		Name:         programName(id),
		Type:         typ,
		Instructions: Instructions(id, ringbufFD),
		License:      "GPL",
	}, nil
}

// RingBufferSpec describes the ring buffer shared by every probe. size must be
// a power of two multiple of the page size.
func RingBufferSpec(size uint32) *ebpf.MapSpec {
	return &ebpf.MapSpec{
		Name:       "udplat_events",
		Type:       ebpf.RingBuf,
		MaxEntries: size,
	}
}

// programName stays within the kernel's 15 character object name limit.
func programName(id stage.ID) string {
	return fmt.Sprintf("udplat_s%d", id)
}
