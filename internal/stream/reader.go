package stream

import (
	"bufio"
	"encoding/binary"
	"io"
	"io/ioutil"
	"strings"

	"golang.org/x/xerrors"
)

// Typed records as handed out by Reader.Next.
type (
	// Hello opens a directory archive.
	Hello struct {
		FeatureFlags uint64
	}

	// Entry describes one directory entry. For regular files it is followed
	// by a Payload record, for symlinks by a Symlink record, for device
	// nodes by a Device record.
	Entry struct {
		Mode  uint64
		UID   uint64
		GID   uint64
		MTime uint64 // nanoseconds since the epoch
		Name  string
	}

	// Payload frames Size bytes of raw file contents; drain them with
	// PayloadReader before calling Next again (Next discards what is left).
	Payload struct {
		Size uint64
	}

	Symlink struct {
		Target string
	}

	Device struct {
		Major uint64
		Minor uint64
	}

	// Goodbye closes the innermost open directory.
	Goodbye struct{}
)

// A Reader sequentially decodes the record stream of a directory archive.
// It tracks directory nesting so that Path reports the full path of the
// most recent entry.
type Reader struct {
	br      *bufio.Reader
	dirs    []string
	name    string
	nameDir bool   // the most recent entry was a directory
	pending uint64 // unread payload bytes of the last Payload record
}

func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next decodes the next record. It returns io.EOF cleanly at the end of the
// stream and io.ErrUnexpectedEOF for a stream cut short mid-record.
func (r *Reader) Next() (interface{}, error) {
	if r.pending > 0 {
		if _, err := io.CopyN(ioutil.Discard, r.br, int64(r.pending)); err != nil {
			return nil, xerrors.Errorf("discarding payload: %w", err)
		}
		r.pending = 0
	}

	var hdr recordHeader
	if err := binary.Read(r.br, binary.LittleEndian, &hdr); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, xerrors.Errorf("record header: %w", err)
	}
	if hdr.Size < recordHeaderSize {
		return nil, xerrors.Errorf("record size %d shorter than its header", hdr.Size)
	}

	switch hdr.Type {
	case typeHello:
		if hdr.Size != helloRecordSize {
			return nil, xerrors.Errorf("hello record of size %d", hdr.Size)
		}
		var body struct{ UUIDPart2, FeatureFlags uint64 }
		if err := binary.Read(r.br, binary.LittleEndian, &body); err != nil {
			return nil, xerrors.Errorf("hello record: %w", err)
		}
		if body.UUIDPart2 != helloUUIDPart2 {
			return nil, xerrors.Errorf("hello magic %#x, not an archive stream", body.UUIDPart2)
		}
		return Hello{FeatureFlags: body.FeatureFlags}, nil

	case typeEntry:
		if hdr.Size < entryRecordSize+1 {
			return nil, xerrors.Errorf("entry record of size %d", hdr.Size)
		}
		var body struct{ Mode, Flags, UID, GID, MTime uint64 }
		if err := binary.Read(r.br, binary.LittleEndian, &body); err != nil {
			return nil, xerrors.Errorf("entry record: %w", err)
		}
		name, err := r.readString(hdr.Size - entryRecordSize)
		if err != nil {
			return nil, xerrors.Errorf("entry name: %w", err)
		}
		r.name = name
		ent := Entry{
			Mode:  body.Mode,
			UID:   body.UID,
			GID:   body.GID,
			MTime: body.MTime,
			Name:  name,
		}
		r.nameDir = ent.Mode&modeTypeMask == modeDir
		if r.nameDir {
			// The directory's own entries follow immediately.
			r.dirs = append(r.dirs, name)
		}
		return ent, nil

	case typePayload:
		r.pending = hdr.Size - recordHeaderSize
		return Payload{Size: r.pending}, nil

	case typeSymlink:
		target, err := r.readString(hdr.Size - recordHeaderSize)
		if err != nil {
			return nil, xerrors.Errorf("symlink target: %w", err)
		}
		return Symlink{Target: target}, nil

	case typeDevice:
		if hdr.Size != deviceRecordSize {
			return nil, xerrors.Errorf("device record of size %d", hdr.Size)
		}
		var body struct{ Major, Minor uint64 }
		if err := binary.Read(r.br, binary.LittleEndian, &body); err != nil {
			return nil, xerrors.Errorf("device record: %w", err)
		}
		return Device{Major: body.Major, Minor: body.Minor}, nil

	case typeGoodbye:
		// The goodbye table is reserved for a per-directory child index;
		// treat it as opaque.
		if _, err := io.CopyN(ioutil.Discard, r.br, int64(hdr.Size-recordHeaderSize)); err != nil {
			return nil, xerrors.Errorf("goodbye table: %w", err)
		}
		if len(r.dirs) > 0 {
			r.dirs = r.dirs[:len(r.dirs)-1]
		}
		r.name = ""
		r.nameDir = false
		return Goodbye{}, nil

	default:
		return nil, xerrors.Errorf("unknown record type %#x", hdr.Type)
	}
}

// Path returns the slash-joined path of the most recent entry, relative to
// the archive root.
func (r *Reader) Path() string {
	if r.name == "" || r.nameDir {
		// A directory entry is already on the stack.
		return strings.Join(r.dirs, "/")
	}
	n := len(r.dirs)
	return strings.Join(append(r.dirs[:n:n], r.name), "/")
}

func (r *Reader) readString(n uint64) (string, error) {
	if n == 0 || n > 64*1024 {
		return "", xerrors.Errorf("string field of %d bytes", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.br, buf); err != nil {
		return "", err
	}
	if buf[n-1] != 0 {
		return "", xerrors.New("missing NUL terminator")
	}
	return string(buf[:n-1]), nil
}

// PayloadReader streams the contents framed by the most recent Payload
// record.
func (r *Reader) PayloadReader() io.Reader {
	return payloadReader{r}
}

type payloadReader struct{ r *Reader }

func (p payloadReader) Read(b []byte) (int, error) {
	if p.r.pending == 0 {
		return 0, io.EOF
	}
	if uint64(len(b)) > p.r.pending {
		b = b[:p.r.pending]
	}
	n, err := p.r.br.Read(b)
	p.r.pending -= uint64(n)
	if err == io.EOF && p.r.pending > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

// Mode type bits as stored in entry records (the S_IFMT values, kept here so
// that decoding does not depend on the platform's stat constants).
const (
	modeTypeMask = 0170000
	modeDir      = 0040000
	modeReg      = 0100000
	modeLnk      = 0120000
	modeBlk      = 0060000
	modeChr      = 0020000
	modeFifo     = 0010000
	modeSock     = 0140000
)
