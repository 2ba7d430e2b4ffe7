package archive

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"
)

type zipEntry struct {
	name   string
	data   []byte
	method uint16
}

// buildZip assembles a minimal archive: local headers, central directory,
// EOCD. Entries are written as-is (no compression), so method 8 entries carry
// bogus "compressed" bytes, which is fine for reader tests.
func buildZip(entries []zipEntry) []byte {
	var buf []byte
	offsets := make([]uint32, len(entries))

	for i, e := range entries {
		offsets[i] = uint32(len(buf))
		local := make([]byte, 30)
		binary.LittleEndian.PutUint32(local[0:], 0x04034b50)
		binary.LittleEndian.PutUint16(local[4:], 20)
		binary.LittleEndian.PutUint16(local[8:], e.method)
		binary.LittleEndian.PutUint32(local[14:], crc32.ChecksumIEEE(e.data))
		binary.LittleEndian.PutUint32(local[18:], uint32(len(e.data)))
		binary.LittleEndian.PutUint32(local[22:], uint32(len(e.data)))
		binary.LittleEndian.PutUint16(local[26:], uint16(len(e.name)))
		buf = append(buf, local...)
		buf = append(buf, e.name...)
		buf = append(buf, e.data...)
	}

	cdStart := uint32(len(buf))
	for i, e := range entries {
		cdir := make([]byte, 46)
		binary.LittleEndian.PutUint32(cdir[0:], 0x02014b50)
		binary.LittleEndian.PutUint16(cdir[4:], 20)
		binary.LittleEndian.PutUint16(cdir[6:], 20)
		binary.LittleEndian.PutUint16(cdir[10:], e.method)
		binary.LittleEndian.PutUint32(cdir[16:], crc32.ChecksumIEEE(e.data))
		binary.LittleEndian.PutUint32(cdir[20:], uint32(len(e.data)))
		binary.LittleEndian.PutUint32(cdir[24:], uint32(len(e.data)))
		binary.LittleEndian.PutUint16(cdir[28:], uint16(len(e.name)))
		binary.LittleEndian.PutUint32(cdir[42:], offsets[i])
		buf = append(buf, cdir...)
		buf = append(buf, e.name...)
	}
	cdSize := uint32(len(buf)) - cdStart

	eocd := make([]byte, 22)
	binary.LittleEndian.PutUint32(eocd[0:], 0x06054b50)
	binary.LittleEndian.PutUint16(eocd[8:], uint16(len(entries)))
	binary.LittleEndian.PutUint16(eocd[10:], uint16(len(entries)))
	binary.LittleEndian.PutUint32(eocd[12:], cdSize)
	binary.LittleEndian.PutUint32(eocd[16:], cdStart)
	return append(buf, eocd...)
}

func TestReader_ListNamesAndExtract(t *testing.T) {
	zip := buildZip([]zipEntry{
		{name: "AM.dat", data: []byte("X|Y|Z\n"), method: 0},
		{name: "counts.txt", data: []byte("1"), method: 0},
	})

	r := NewReader(zip)

	names, err := r.ListNames()
	if err != nil {
		t.Fatalf("ListNames error = %v", err)
	}
	if len(names) != 2 || names[0] != "AM.dat" || names[1] != "counts.txt" {
		t.Errorf("ListNames = %v, want [AM.dat counts.txt]", names)
	}

	data, err := r.Extract("AM.dat")
	if err != nil {
		t.Fatalf("Extract error = %v", err)
	}
	if string(data) != "X|Y|Z\n" {
		t.Errorf("Extract = %q, want %q", data, "X|Y|Z\n")
	}
}

func TestReader_EntryNotFound(t *testing.T) {
	zip := buildZip([]zipEntry{{name: "AM.dat", data: []byte("data"), method: 0}})

	_, err := NewReader(zip).Extract("EN.dat")
	if !errors.Is(err, ErrEntryNotFound) {
		t.Errorf("Extract error = %v, want ErrEntryNotFound", err)
	}
}

func TestReader_NoEOCD(t *testing.T) {
	_, err := NewReader([]byte("this is not a zip archive at all")).ListNames()
	if !errors.Is(err, ErrFormat) {
		t.Errorf("ListNames error = %v, want ErrFormat", err)
	}

	_, err = NewReader([]byte("tiny")).ListNames()
	if !errors.Is(err, ErrFormat) {
		t.Errorf("ListNames on short buffer error = %v, want ErrFormat", err)
	}
}

func TestReader_DeflateRefused(t *testing.T) {
	zip := buildZip([]zipEntry{{name: "AM.dat", data: []byte("compressed-ish"), method: 8}})

	_, err := NewReader(zip).Extract("AM.dat")
	if !errors.Is(err, ErrUnsupportedCompression) {
		t.Errorf("Extract error = %v, want ErrUnsupportedCompression", err)
	}

	// Deflate entries still show up in listings.
	names, err := NewReader(zip).ListNames()
	if err != nil || len(names) != 1 || names[0] != "AM.dat" {
		t.Errorf("ListNames = %v, %v", names, err)
	}
}

func TestReader_CorruptCentralDirectory(t *testing.T) {
	zip := buildZip([]zipEntry{{name: "AM.dat", data: []byte("data"), method: 0}})

	// Clobber the central directory signature.
	eocdOff := len(zip) - 22
	cdOff := int(binary.LittleEndian.Uint32(zip[eocdOff+16:]))
	zip[cdOff] = 0xff

	_, err := NewReader(zip).ListNames()
	if !errors.Is(err, ErrFormat) {
		t.Errorf("ListNames error = %v, want ErrFormat", err)
	}
}

func TestReader_BadLocalHeader(t *testing.T) {
	zip := buildZip([]zipEntry{{name: "AM.dat", data: []byte("data"), method: 0}})

	// Clobber the local header signature; listing still works, extraction fails.
	zip[0] = 0xff

	if _, err := NewReader(zip).ListNames(); err != nil {
		t.Fatalf("ListNames error = %v", err)
	}
	_, err := NewReader(zip).Extract("AM.dat")
	if !errors.Is(err, ErrFormat) {
		t.Errorf("Extract error = %v, want ErrFormat", err)
	}
}

func TestReader_ZeroLocalSizeFallsBackToCentralDirectory(t *testing.T) {
	zip := buildZip([]zipEntry{{name: "AM.dat", data: []byte("X|Y|Z\n"), method: 0}})

	// Streaming writers leave the local compressed size zero.
	binary.LittleEndian.PutUint32(zip[18:], 0)

	data, err := NewReader(zip).Extract("AM.dat")
	if err != nil {
		t.Fatalf("Extract error = %v", err)
	}
	if string(data) != "X|Y|Z\n" {
		t.Errorf("Extract = %q, want %q", data, "X|Y|Z\n")
	}
}
