package audio

import "time"

// NodeID identifies a node within one sink.
type NodeID uint64

// Node is anything that can be wired into the graph.
type Node interface {
	ID() NodeID
}

// Buffer is decoded, ready-to-play audio held in memory.
type Buffer interface {
	Duration() time.Duration
	SampleRate() int
	Channels() int
	// Size is the approximate number of bytes held in memory.
	Size() int64
}

// GainNode multiplies everything routed into it by its current value.
type GainNode interface {
	Node
	// Value returns the gain at this instant, including ramp progress.
	Value() float64
	// SetValue cancels scheduled ramps and snaps to v.
	SetValue(v float64)
	// LinearRampTo ramps from the current value to target over d. A zero
	// duration behaves like SetValue.
	LinearRampTo(target float64, d time.Duration)
	// CancelRamps freezes the gain at its current value.
	CancelRamps()
}

// SourceNode plays one buffer instance.
type SourceNode interface {
	Node
	// Start begins playback at offset. Starting a playing source restarts it.
	Start(offset time.Duration) error
	Stop() error
	Playing() bool
	Position() time.Duration
	Duration() time.Duration
	SetLoop(loop bool)
}

// Sink is the complete set of audio capabilities the engine relies on.
// Implementations must be safe for concurrent use.
type Sink interface {
	// NewGain creates an unconnected gain node.
	NewGain(initial float64) (GainNode, error)
	// NewSource creates an unconnected, stopped source for buf.
	NewSource(buf Buffer) (SourceNode, error)
	// Connect routes src into dst. A node may feed several destinations;
	// callers that need a single route disconnect first.
	Connect(src Node, dst GainNode) error
	// Disconnect removes every route leaving src.
	Disconnect(src Node) error
	// Release disconnects n and forgets it. Released nodes must not be used
	// again.
	Release(n Node)
	// Destination is the master node that reaches the output device.
	Destination() GainNode
	// Decode turns encoded bytes into a playable buffer.
	Decode(data []byte) (Buffer, error)
	Close() error
}
