// Package stream turns a file system subtree (or a single regular file, or a
// block device) into a deterministic byte stream of framed records. The
// caller pulls the stream through a polling interface: Step advances the
// encoder by exactly one record (or one chunk of file payload), Data hands
// out the staged bytes.
//
// Every record starts with a 16-byte little-endian {type, size} header,
// where size covers the whole record including the header. A directory
// archive opens with a single hello record carrying the feature flags,
// contains one entry record per directory entry (entries sorted by byte-wise
// name comparison), and closes every directory with a goodbye record.
// Regular file contents follow their entry as raw payload bytes.
package stream

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Record type magics. Like the framing itself, these are fixed constants of
// the stream format: the second half of the UUID assigned to each record
// type.
const (
	typeHello   = 0x3bdd0b541f4b4d71
	typeEntry   = 0x1396fabcea5bbb51
	typePayload = 0x8b9e1d93d6dcffc9
	typeSymlink = 0x664a6fb6830e0d6c
	typeDevice  = 0xac3dace369dfe643
	typeGoodbye = 0xdfd35c5e8327c403
)

// helloUUIDPart2 is carried inside the hello record so that a decoder can
// identify the stream without guessing from the framing alone.
const helloUUIDPart2 = 0xe75b9e112f17417d

// Feature flags select which optional fields entry records carry. The flag
// word travels in the hello record; two streams of the same tree are only
// comparable when they were produced with the same flags.
const (
	With16BitUIDs   uint64 = 0x1
	With32BitUIDs   uint64 = 0x2
	WithSecTime     uint64 = 0x8
	WithUSecTime    uint64 = 0x10
	WithNSecTime    uint64 = 0x20
	With2SecTime    uint64 = 0x40
	WithReadOnly    uint64 = 0x80
	WithPermissions uint64 = 0x100
	WithSymlinks    uint64 = 0x200
	WithDeviceNodes uint64 = 0x400
	WithFIFOs       uint64 = 0x800
	WithSockets     uint64 = 0x1000

	featureMask = With16BitUIDs | With32BitUIDs |
		WithSecTime | WithUSecTime | WithNSecTime | With2SecTime |
		WithReadOnly | WithPermissions |
		WithSymlinks | WithDeviceNodes | WithFIFOs | WithSockets
)

// DefaultFeatureFlags is what cdar make uses unless told otherwise.
const DefaultFeatureFlags = With32BitUIDs | WithNSecTime | WithPermissions |
	WithSymlinks | WithDeviceNodes | WithFIFOs | WithSockets

var (
	// ErrUnsupportedFlags is returned for flag words with undefined bits.
	ErrUnsupportedFlags = errors.New("unsupported feature flags")

	// ErrUnsupported is returned when a file system object is of a kind the
	// stream format cannot represent at all.
	ErrUnsupported = errors.New("unsupported file type")

	// ErrProtocol is returned when representing an object would require a
	// field the current feature flags exclude (wide uid/gid, symlink,
	// device node, ...).
	ErrProtocol = errors.New("protocol not supported")

	// ErrDepth is returned when the traversal would exceed nodesMax.
	ErrDepth = errors.New("directory tree too deep")

	// ErrBusy is returned when a base is installed twice.
	ErrBusy = errors.New("base already set")

	// ErrSequence is returned when Data is called but no record is staged.
	ErrSequence = errors.New("no data staged")

	// ErrNotDirectory is returned by CurrentPath when the archive has no
	// directory root, so no path applies.
	ErrNotDirectory = errors.New("not a directory")

	// ErrInvalid is returned for out-of-range argument values, including
	// uid/gid values equal to the reserved sentinels.
	ErrInvalid = errors.New("invalid argument")
)

// normalizeFlags canonicalizes a feature flag word: 32-bit uids supersede
// 16-bit ones, finer time stamp resolution supersedes coarser, and full
// permissions supersede the read-only bit. The returned granularity is the
// nanosecond quantum mtimes are truncated to, 0 if no time bit is set.
func normalizeFlags(f uint64) (flags, granularity uint64, err error) {
	if f&^featureMask != 0 {
		return 0, 0, ErrUnsupportedFlags
	}
	if f&With32BitUIDs != 0 {
		f &^= With16BitUIDs
	}
	switch {
	case f&WithNSecTime != 0:
		f &^= WithUSecTime | WithSecTime | With2SecTime
		granularity = 1
	case f&WithUSecTime != 0:
		f &^= WithSecTime | With2SecTime
		granularity = 1000
	case f&WithSecTime != 0:
		f &^= With2SecTime
		granularity = 1000 * 1000 * 1000
	case f&With2SecTime != 0:
		granularity = 2 * 1000 * 1000 * 1000
	}
	if f&WithPermissions != 0 {
		f &^= WithReadOnly
	}
	return f, granularity, nil
}

type recordHeader struct {
	Type uint64
	Size uint64
}

const recordHeaderSize = 16

type helloRecord struct {
	recordHeader
	UUIDPart2    uint64
	FeatureFlags uint64
}

const helloRecordSize = 32

// entryRecord is the fixed-size part of an entry record; the NUL-terminated
// entry name follows directly, so the record's Size field is
// entryRecordSize plus the name length plus its terminator.
type entryRecord struct {
	recordHeader
	Mode  uint64
	Flags uint64 // reserved
	UID   uint64
	GID   uint64
	MTime uint64 // nanoseconds since the epoch, truncated to the granularity
}

const entryRecordSize = recordHeaderSize + 5*8

type deviceRecord struct {
	recordHeader
	Major uint64
	Minor uint64
}

const (
	deviceRecordSize  = 32
	goodbyeRecordSize = recordHeaderSize + 8
)

func appendHello(b *bytes.Buffer, featureFlags uint64) error {
	return binary.Write(b, binary.LittleEndian, helloRecord{
		recordHeader: recordHeader{Type: typeHello, Size: helloRecordSize},
		UUIDPart2:    helloUUIDPart2,
		FeatureFlags: featureFlags,
	})
}

func appendEntry(b *bytes.Buffer, name string, mode, uid, gid, mtime uint64) error {
	if err := binary.Write(b, binary.LittleEndian, entryRecord{
		recordHeader: recordHeader{
			Type: typeEntry,
			Size: entryRecordSize + uint64(len(name)) + 1,
		},
		Mode:  mode,
		UID:   uid,
		GID:   gid,
		MTime: mtime,
	}); err != nil {
		return err
	}
	b.WriteString(name)
	return b.WriteByte(0)
}

// appendPayloadHeader frames fileSize bytes of raw payload which follow the
// record separately.
func appendPayloadHeader(b *bytes.Buffer, fileSize uint64) error {
	return binary.Write(b, binary.LittleEndian, recordHeader{
		Type: typePayload,
		Size: recordHeaderSize + fileSize,
	})
}

func appendSymlink(b *bytes.Buffer, target string) error {
	if err := binary.Write(b, binary.LittleEndian, recordHeader{
		Type: typeSymlink,
		Size: recordHeaderSize + uint64(len(target)) + 1,
	}); err != nil {
		return err
	}
	b.WriteString(target)
	return b.WriteByte(0)
}

func appendDevice(b *bytes.Buffer, major, minor uint64) error {
	return binary.Write(b, binary.LittleEndian, deviceRecord{
		recordHeader: recordHeader{Type: typeDevice, Size: deviceRecordSize},
		Major:        major,
		Minor:        minor,
	})
}

// appendGoodbye writes the directory-closing record. The table holds a
// single element equal to the record size; the format reserves the table for
// a per-directory index of child offsets, which this encoder does not
// populate.
func appendGoodbye(b *bytes.Buffer) error {
	if err := binary.Write(b, binary.LittleEndian, recordHeader{
		Type: typeGoodbye,
		Size: goodbyeRecordSize,
	}); err != nil {
		return err
	}
	return binary.Write(b, binary.LittleEndian, uint64(goodbyeRecordSize))
}
