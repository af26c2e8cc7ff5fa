package handler

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"
)

// ReadBytes reads length bytes starting at ptr out of guest memory. Host
// functions that take a buffer argument receive (ptr, len uint32) pairs
// from the guest; this turns that pair into a Go []byte copy.
func ReadBytes(mod api.Module, ptr, length uint32) ([]byte, error) {
	if length == 0 {
		return nil, nil
	}
	b, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return nil, fmt.Errorf("handler: out of bounds read at %d, len %d", ptr, length)
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// WriteBytes allocates room in guest memory via the module's theater_alloc
// export and copies data into it, returning the resulting pointer and
// length for the host function to return to the guest.
func WriteBytes(ctx context.Context, mod api.Module, data []byte) (ptr, length uint32, err error) {
	if len(data) == 0 {
		return 0, 0, nil
	}
	alloc := mod.ExportedFunction("theater_alloc")
	if alloc == nil {
		return 0, 0, fmt.Errorf("handler: guest does not export theater_alloc")
	}
	results, err := alloc.Call(ctx, uint64(len(data)))
	if err != nil {
		return 0, 0, fmt.Errorf("handler: theater_alloc failed: %w", err)
	}
	p := uint32(results[0])
	if !mod.Memory().Write(p, data) {
		return 0, 0, fmt.Errorf("handler: out of bounds write at %d, len %d", p, len(data))
	}
	return p, uint32(len(data)), nil
}
