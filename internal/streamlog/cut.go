package streamlog

import (
	"encoding/json"
	"fmt"
	"sort"
)

// StreamCut is a read position across the partitions of a set of streams.
// Offsets are the next offset to read.
type StreamCut map[string]map[int32]int64

// Offset returns the position recorded for a partition.
func (c StreamCut) Offset(stream string, partition int32) (int64, bool) {
	parts, ok := c[stream]
	if !ok {
		return 0, false
	}
	off, ok := parts[partition]
	return off, ok
}

// Set records the position for a partition.
func (c StreamCut) Set(stream string, partition int32, offset int64) {
	parts, ok := c[stream]
	if !ok {
		parts = make(map[int32]int64)
		c[stream] = parts
	}
	parts[partition] = offset
}

// Advance records offset for a partition unless a later position is already
// recorded. It reports whether the cut changed.
func (c StreamCut) Advance(stream string, partition int32, offset int64) bool {
	if cur, ok := c.Offset(stream, partition); ok && cur >= offset {
		return false
	}
	c.Set(stream, partition, offset)
	return true
}

// Clone returns a deep copy.
func (c StreamCut) Clone() StreamCut {
	out := make(StreamCut, len(c))
	for stream, parts := range c {
		cp := make(map[int32]int64, len(parts))
		for p, off := range parts {
			cp[p] = off
		}
		out[stream] = cp
	}
	return out
}

// Merge returns a new cut holding, for every partition in either cut, the
// later of the two positions.
func (c StreamCut) Merge(other StreamCut) StreamCut {
	out := c.Clone()
	for stream, parts := range other {
		for p, off := range parts {
			out.Advance(stream, p, off)
		}
	}
	return out
}

// Covers reports whether c is at or beyond other on every partition other
// names.
func (c StreamCut) Covers(other StreamCut) bool {
	for stream, parts := range other {
		for p, off := range parts {
			cur, ok := c.Offset(stream, p)
			if !ok || cur < off {
				return false
			}
		}
	}
	return true
}

// Equal reports whether both cuts name the same partitions at the same
// positions.
func (c StreamCut) Equal(other StreamCut) bool {
	return c.Covers(other) && other.Covers(c)
}

// IsEmpty reports whether the cut names no partition.
func (c StreamCut) IsEmpty() bool {
	return c.partitions() == 0
}

func (c StreamCut) partitions() int {
	n := 0
	for _, parts := range c {
		n += len(parts)
	}
	return n
}

// Streams returns the stream names in the cut, sorted.
func (c StreamCut) Streams() []string {
	names := make([]string, 0, len(c))
	for s := range c {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

// Encode serializes the cut. The encoding is deterministic.
func (c StreamCut) Encode() (string, error) {
	if c == nil {
		c = StreamCut{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode stream cut: %w", err)
	}
	return string(b), nil
}

// DecodeStreamCut parses a cut produced by Encode.
func DecodeStreamCut(s string) (StreamCut, error) {
	cut := StreamCut{}
	if s == "" {
		return cut, nil
	}
	if err := json.Unmarshal([]byte(s), &cut); err != nil {
		return nil, fmt.Errorf("decode stream cut: %w", err)
	}
	for stream, parts := range cut {
		if parts == nil {
			delete(cut, stream)
		}
	}
	return cut, nil
}
