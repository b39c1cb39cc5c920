package binfmt

import (
	"encoding/binary"
	"fmt"

	"github.com/Timwood0x10/memscope-go/pkg/callstack"
)

// EventKind distinguishes allocation from deallocation records.
type EventKind uint8

const (
	EventAllocation   EventKind = 1
	EventDeallocation EventKind = 2
)

// String returns the kind name used in reports.
func (k EventKind) String() string {
	switch k {
	case EventAllocation:
		return "allocation"
	case EventDeallocation:
		return "deallocation"
	default:
		return "unknown"
	}
}

// Event is one fully recorded allocation or deallocation.
type Event struct {
	Kind      EventKind     `json:"kind"`
	Timestamp uint64        `json:"timestamp"`
	Ptr       uint64        `json:"ptr"`
	Size      uint64        `json:"size"` // zero for deallocations
	ThreadID  uint64        `json:"thread_id"`
	Stack     callstack.Ref `json:"stack"`
}

// FreqRecord summarizes one call stack's activity on one thread. Events
// that the sampling policy declined to record in full still contribute
// here, which is what keeps aggregate counts a measured lower bound.
type FreqRecord struct {
	CallStackHash uint64 `json:"call_stack_hash"`
	Frequency     uint64 `json:"frequency"`
	TotalSize     uint64 `json:"total_size"`
	ThreadID      uint64 `json:"thread_id"`
}

// EventSize is the on-disk size of one event record.
const EventSize = 1 + 8 + 8 + 8 + 8 + 4 + 8 + 4

// FreqRecordSize is the on-disk size of one frequency record.
const FreqRecordSize = 8 + 8 + 8 + 8

func encodeEvent(b []byte, ev Event) {
	_ = b[EventSize-1]
	b[0] = byte(ev.Kind)
	binary.LittleEndian.PutUint64(b[1:9], ev.Timestamp)
	binary.LittleEndian.PutUint64(b[9:17], ev.Ptr)
	binary.LittleEndian.PutUint64(b[17:25], ev.Size)
	binary.LittleEndian.PutUint64(b[25:33], ev.ThreadID)
	binary.LittleEndian.PutUint32(b[33:37], ev.Stack.ID)
	binary.LittleEndian.PutUint64(b[37:45], ev.Stack.Hash)
	binary.LittleEndian.PutUint32(b[45:49], ev.Stack.Depth)
}

func decodeEvent(b []byte) (Event, error) {
	if len(b) < EventSize {
		return Event{}, fmt.Errorf("event record truncated: %d of %d bytes", len(b), EventSize)
	}
	ev := Event{
		Kind:      EventKind(b[0]),
		Timestamp: binary.LittleEndian.Uint64(b[1:9]),
		Ptr:       binary.LittleEndian.Uint64(b[9:17]),
		Size:      binary.LittleEndian.Uint64(b[17:25]),
		ThreadID:  binary.LittleEndian.Uint64(b[25:33]),
		Stack: callstack.Ref{
			ID:    binary.LittleEndian.Uint32(b[33:37]),
			Hash:  binary.LittleEndian.Uint64(b[37:45]),
			Depth: binary.LittleEndian.Uint32(b[45:49]),
		},
	}
	if ev.Kind != EventAllocation && ev.Kind != EventDeallocation {
		return ev, fmt.Errorf("unknown event kind %d", b[0])
	}
	return ev, nil
}

func encodeFreq(b []byte, fr FreqRecord) {
	_ = b[FreqRecordSize-1]
	binary.LittleEndian.PutUint64(b[0:8], fr.CallStackHash)
	binary.LittleEndian.PutUint64(b[8:16], fr.Frequency)
	binary.LittleEndian.PutUint64(b[16:24], fr.TotalSize)
	binary.LittleEndian.PutUint64(b[24:32], fr.ThreadID)
}

func decodeFreq(b []byte) (FreqRecord, error) {
	if len(b) < FreqRecordSize {
		return FreqRecord{}, fmt.Errorf("frequency record truncated: %d of %d bytes", len(b), FreqRecordSize)
	}
	return FreqRecord{
		CallStackHash: binary.LittleEndian.Uint64(b[0:8]),
		Frequency:     binary.LittleEndian.Uint64(b[8:16]),
		TotalSize:     binary.LittleEndian.Uint64(b[16:24]),
		ThreadID:      binary.LittleEndian.Uint64(b[24:32]),
	}, nil
}
