//go:build wasip1

package main

import (
	"encoding/json"
	"unsafe"
)

// allocations pins buffers handed to the host until it frees them.
var allocations = map[uint32][]byte{}

//go:wasmimport env animus_log
func hostLog(level uint32, ptr, length uint32)

//go:wasmexport malloc
func malloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	allocations[ptr] = buf
	return ptr
}

//go:wasmexport free
func free(ptr uint32) {
	delete(allocations, ptr)
}

//go:wasmexport kind_metadata
func kindMetadata() uint64 {
	return emit(metadata())
}

//go:wasmexport kind_apply
func kindApply(ptr, length uint32) uint64 {
	return run(ptr, length)
}

//go:wasmexport kind_delete
func kindDelete(ptr, length uint32) uint64 {
	return run(ptr, length)
}

//go:wasmexport kind_differs
func kindDiffers(ptr, length uint32) uint64 {
	return run(ptr, length)
}

func run(ptr, length uint32) uint64 {
	input := unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
	resp := handle(input)
	if resp.Error != "" {
		logHost(3, resp.Error)
	}
	return emit(resp)
}

// emit copies v as JSON into a host-owned buffer and packs (ptr<<32)|len.
func emit(v interface{}) uint64 {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(response{Error: err.Error()})
	}
	ptr := malloc(uint32(len(data)))
	copy(allocations[ptr], data)
	return uint64(ptr)<<32 | uint64(len(data))
}

func logHost(level uint32, msg string) {
	if msg == "" {
		return
	}
	buf := []byte(msg)
	hostLog(level, uint32(uintptr(unsafe.Pointer(&buf[0]))), uint32(len(buf)))
}
