/*
 * Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
 * or more contributor license agreements. Licensed under the Apache License 2.0.
 * See the file "LICENSE" for details.
 */

// remotememory provides access to the memory space of a bootstrap target. The
// ReaderAt interface is used for the basic access, and various convenience
// functions are provided to help reading specific data types out of it.
package remotememory

import (
	"bytes"
	"encoding/binary"
	"io"
)

// RemoteMemory implements a set of convenience functions to access target memory.
type RemoteMemory struct {
	io.ReaderAt
	// Bias is the adjustment for pointers (used to unrelocate pointers read from a core).
	Bias uint64
}

// Valid determines if this RemoteMemory instance contains a valid reference to target memory.
func (rm RemoteMemory) Valid() bool {
	return rm.ReaderAt != nil
}

// Read fills slice p[] with data from remote memory at address addr.
func (rm RemoteMemory) Read(addr uint64, p []byte) error {
	_, err := rm.ReadAt(p, int64(addr))
	return err
}

// Ptr reads a native pointer from remote memory.
func (rm RemoteMemory) Ptr(addr uint64) uint64 {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:]) - rm.Bias
}

// Uint8 reads an 8-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint8(addr uint64) uint8 {
	var buf [1]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return buf[0]
}

// Uint16 reads a 16-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint16(addr uint64) uint16 {
	var buf [2]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint16(buf[:])
}

// Uint32 reads a 32-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint32(addr uint64) uint32 {
	var buf [4]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// Uint64 reads a 64-bit unsigned integer from remote memory.
func (rm RemoteMemory) Uint64(addr uint64) uint64 {
	var buf [8]byte
	if rm.Read(addr, buf[:]) != nil {
		return 0
	}
	return binary.LittleEndian.Uint64(buf[:])
}

// String reads a zero terminated string from remote memory.
func (rm RemoteMemory) String(addr uint64) string {
	buf := make([]byte, 1024)
	n, err := rm.ReadAt(buf, int64(addr))
	if n == 0 || (err != nil && err != io.EOF) {
		return ""
	}
	buf = buf[:n]
	zeroIdx := bytes.IndexByte(buf, 0)
	if zeroIdx >= 0 {
		return string(buf[:zeroIdx])
	}
	if n != cap(buf) {
		return ""
	}

	bigBuf := make([]byte, 4096)
	copy(bigBuf, buf)
	n, err = rm.ReadAt(bigBuf[len(buf):], int64(addr)+int64(len(buf)))
	if n == 0 || (err != nil && err != io.EOF) {
		return ""
	}
	bigBuf = bigBuf[:len(buf)+n]
	zeroIdx = bytes.IndexByte(bigBuf, 0)
	if zeroIdx >= 0 {
		return string(bigBuf[:zeroIdx])
	}

	// Not a zero terminated string.
	return ""
}

// StringPtr reads a zero terminated string by first dereferencing a string pointer
// from target memory.
func (rm RemoteMemory) StringPtr(addr uint64) string {
	addr = rm.Ptr(addr)
	if addr == 0 {
		return ""
	}
	return rm.String(addr)
}

// RecordingReader allows reading data from target memory using the io.ByteReader
// interface. It provides basic buffering by reading memory in pieces of 'chunk'
// bytes, and it also records all read memory in a backing buffer to be later
// retrieved as a whole.
type RecordingReader struct {
	rm    *RemoteMemory
	buf   []byte
	addr  uint64
	i     int
	chunk int
}

// ReadByte implements io.ByteReader to read memory a single byte at a time.
func (rr *RecordingReader) ReadByte() (byte, error) {
	if rr.i >= len(rr.buf) {
		buf := make([]byte, len(rr.buf)+rr.chunk)
		copy(buf, rr.buf)
		if err := rr.rm.Read(rr.addr, buf[len(rr.buf):]); err != nil {
			return 0, err
		}
		rr.addr += uint64(rr.chunk)
		rr.buf = buf
	}
	b := rr.buf[rr.i]
	rr.i++
	return b, nil
}

// GetBuffer returns all the data read so far as a single slice.
func (rr *RecordingReader) GetBuffer() []byte {
	return rr.buf[0:rr.i]
}

// Reader returns a RecordingReader to read and record data starting at addr.
func (rm RemoteMemory) Reader(addr uint64, chunkSize uint) *RecordingReader {
	return &RecordingReader{
		rm:    &rm,
		addr:  addr,
		chunk: int(chunkSize),
	}
}
