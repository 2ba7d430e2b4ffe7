// Package archive reads the minimal subset of the ZIP format the sync
// pipeline needs: walking the central directory to list entry names and
// slicing out the raw bytes of one stored (uncompressed) entry. It operates
// directly on a byte buffer and deliberately does not depend on a
// general-purpose ZIP or decompression library.
package archive

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrFormat indicates the buffer is not a structurally valid ZIP archive.
	ErrFormat = errors.New("archive: invalid zip structure")
	// ErrEntryNotFound indicates the named entry is absent.
	ErrEntryNotFound = errors.New("archive: entry not found")
	// ErrUnsupportedCompression indicates the entry uses a compression method
	// this reader does not decode (anything other than stored).
	ErrUnsupportedCompression = errors.New("archive: unsupported compression method")
)

const (
	sigEOCD         = 0x06054b50
	sigCentralDir   = 0x02014b50
	sigLocalHeader  = 0x04034b50
	eocdFixedSize   = 22
	cdirFixedSize   = 46
	localFixedSize  = 30
	methodStored    = 0
	methodDeflated  = 8
	maxCommentBytes = 0xffff
)

// Reader parses a ZIP archive held fully in memory.
type Reader struct {
	buf []byte
}

// NewReader wraps a raw archive buffer. No parsing happens until an entry
// operation is called.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// entry is one central-directory record.
type entry struct {
	name           string
	method         uint16
	compressedSize uint32
	localOffset    uint32
}

// ListNames walks the central directory and returns every entry name in
// directory order. Used for presence checks and diagnostics.
func (r *Reader) ListNames() ([]string, error) {
	entries, err := r.centralDirectory()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
	}
	return names, nil
}

// Extract returns the raw bytes of the named entry. Only stored (method 0)
// entries are returned; deflate entries fail with ErrUnsupportedCompression
// rather than handing back compressed bytes as if they were text.
func (r *Reader) Extract(name string) ([]byte, error) {
	entries, err := r.centralDirectory()
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if e.name != name {
			continue
		}
		return r.extractEntry(e)
	}
	return nil, ErrEntryNotFound
}

func (r *Reader) extractEntry(e entry) ([]byte, error) {
	buf := r.buf
	off := int(e.localOffset)
	if off+localFixedSize > len(buf) {
		return nil, fmt.Errorf("%w: local header offset out of range", ErrFormat)
	}
	if binary.LittleEndian.Uint32(buf[off:]) != sigLocalHeader {
		return nil, fmt.Errorf("%w: bad local header signature for %q", ErrFormat, e.name)
	}

	method := binary.LittleEndian.Uint16(buf[off+8:])
	compressedSize := binary.LittleEndian.Uint32(buf[off+18:])
	nameLen := int(binary.LittleEndian.Uint16(buf[off+26:]))
	extraLen := int(binary.LittleEndian.Uint16(buf[off+28:]))

	// Streaming writers leave the local size zero and put the real size in a
	// trailing data descriptor; the central directory always has it.
	if compressedSize == 0 {
		compressedSize = e.compressedSize
	}

	dataStart := off + localFixedSize + nameLen + extraLen
	dataEnd := dataStart + int(compressedSize)
	if dataStart > len(buf) || dataEnd > len(buf) {
		return nil, fmt.Errorf("%w: entry data out of range for %q", ErrFormat, e.name)
	}

	switch method {
	case methodStored:
		out := make([]byte, compressedSize)
		copy(out, buf[dataStart:dataEnd])
		return out, nil
	case methodDeflated:
		return nil, fmt.Errorf("%w: entry %q is deflate-compressed", ErrUnsupportedCompression, e.name)
	default:
		return nil, fmt.Errorf("%w: entry %q uses method %d", ErrUnsupportedCompression, e.name, method)
	}
}

// centralDirectory locates the EOCD record and walks all central-directory
// entries.
func (r *Reader) centralDirectory() ([]entry, error) {
	eocd, err := r.findEOCD()
	if err != nil {
		return nil, err
	}

	buf := r.buf
	entryCount := int(binary.LittleEndian.Uint16(buf[eocd+10:]))
	cdOffset := int(binary.LittleEndian.Uint32(buf[eocd+16:]))
	if cdOffset > len(buf) {
		return nil, fmt.Errorf("%w: central directory offset out of range", ErrFormat)
	}

	entries := make([]entry, 0, entryCount)
	off := cdOffset
	for i := 0; i < entryCount; i++ {
		if off+cdirFixedSize > len(buf) {
			return nil, fmt.Errorf("%w: truncated central directory", ErrFormat)
		}
		if binary.LittleEndian.Uint32(buf[off:]) != sigCentralDir {
			return nil, fmt.Errorf("%w: bad central directory signature at entry %d", ErrFormat, i)
		}

		method := binary.LittleEndian.Uint16(buf[off+10:])
		compressedSize := binary.LittleEndian.Uint32(buf[off+20:])
		nameLen := int(binary.LittleEndian.Uint16(buf[off+28:]))
		extraLen := int(binary.LittleEndian.Uint16(buf[off+30:]))
		commentLen := int(binary.LittleEndian.Uint16(buf[off+32:]))
		localOffset := binary.LittleEndian.Uint32(buf[off+42:])

		nameStart := off + cdirFixedSize
		nameEnd := nameStart + nameLen
		if nameEnd > len(buf) {
			return nil, fmt.Errorf("%w: truncated entry name at entry %d", ErrFormat, i)
		}

		entries = append(entries, entry{
			name:           string(buf[nameStart:nameEnd]),
			method:         method,
			compressedSize: compressedSize,
			localOffset:    localOffset,
		})

		off = nameEnd + extraLen + commentLen
	}

	return entries, nil
}

// findEOCD scans backward from the end of the buffer for the EOCD signature.
// The record is 22 fixed bytes plus an up-to-64KiB comment, so the scan is
// bounded.
func (r *Reader) findEOCD() (int, error) {
	buf := r.buf
	if len(buf) < eocdFixedSize {
		return 0, fmt.Errorf("%w: buffer too small", ErrFormat)
	}

	lowest := len(buf) - eocdFixedSize - maxCommentBytes
	if lowest < 0 {
		lowest = 0
	}

	for off := len(buf) - eocdFixedSize; off >= lowest; off-- {
		if binary.LittleEndian.Uint32(buf[off:]) == sigEOCD {
			return off, nil
		}
	}
	return 0, fmt.Errorf("%w: end of central directory record not found", ErrFormat)
}
