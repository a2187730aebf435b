package stream

import (
	"bytes"
	"io"
	"math"
	"strings"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// Signal is what Step reports back to the caller.
type Signal int

const (
	// Finished means the archive is complete. Finished is sticky: further
	// Step calls keep returning it.
	Finished Signal = iota

	// Data means a record (or a chunk of file payload) is staged and can be
	// fetched with Data.
	Data

	// NextFile means the encoder advanced to a new child: CurrentPath and
	// CurrentMode now reflect it, and its entry record is staged.
	NextFile
)

type encoderState int

const (
	stateInit encoderState = iota
	stateHello
	stateEntry
	statePostChild
	stateGoodbye
	stateEOF
)

// payloadChunkSize is how much file payload a single Step stages.
const payloadChunkSize = 64 * 1024

// An Encoder produces the archive stream for one base object. It is strictly
// single-threaded: the caller drives it by alternating Step and Data, and
// may re-issue Step without fetching to have the same bytes staged again.
//
// After an error from Step, the staging buffer is cleared but the traversal
// is not rolled back; the only safe operation left is Close.
type Encoder struct {
	flags       uint64
	granularity uint64

	stk   stack
	state encoderState

	buf      bytes.Buffer
	scratch  []byte
	haveData bool
	lastSig  Signal
	stepSize uint64

	archiveOffset uint64
	payloadOffset uint64

	finished bool
}

func NewEncoder() *Encoder {
	return &Encoder{stk: newStack(), state: stateInit}
}

// SetFeatureFlags installs the canonicalized flag word. It must be called
// before SetBaseFd.
func (e *Encoder) SetFeatureFlags(f uint64) error {
	if !e.stk.empty() {
		return ErrBusy
	}
	flags, granularity, err := normalizeFlags(f)
	if err != nil {
		return err
	}
	e.flags = flags
	e.granularity = granularity
	return nil
}

// FeatureFlags returns the canonical flag word, not the raw user input.
func (e *Encoder) FeatureFlags() uint64 { return e.flags }

// SetBaseFd installs fd as the root of the traversal. It may be called at
// most once; fd must refer to a regular file, a directory or a block device.
// The encoder owns fd from here on (descriptors 0-2 are never closed).
func (e *Encoder) SetBaseFd(fd int) error {
	if err := e.stk.setBase(fd); err != nil {
		return err
	}
	e.state = stateInit
	e.payloadOffset = 0
	return nil
}

// Step acknowledges the bytes fetched since the previous Step and advances
// the state machine by one record. If the previously staged bytes were never
// fetched, Step re-yields them instead of advancing.
func (e *Encoder) Step() (Signal, error) {
	if e.stk.empty() {
		return 0, xerrors.Errorf("no base installed: %w", ErrInvalid)
	}
	if e.finished {
		return Finished, nil
	}
	if e.haveData && e.stepSize == 0 {
		return e.lastSig, nil
	}
	e.archiveOffset += e.stepSize
	e.payloadOffset += e.stepSize
	e.stepSize = 0
	e.buf.Reset()
	e.haveData = false

	sig, err := e.run()
	if err != nil {
		e.buf.Reset()
		e.haveData = false
		return 0, err
	}
	e.lastSig = sig
	if sig == Finished {
		e.finished = true
	}
	return sig, nil
}

// Data returns the staged bytes. It is idempotent until the next Step:
// calling it twice returns the same bytes. At payload EOF for a leaf
// archive it returns a nil buffer and no error.
//
// The returned slice aliases the staging buffer and must not be held across
// a Step call.
func (e *Encoder) Data() ([]byte, error) {
	if e.haveData {
		e.stepSize = uint64(e.buf.Len())
		return e.buf.Bytes(), nil
	}
	if e.finished && !e.stk.empty() {
		if n := e.stk.current(); n.isReg() || n.isBlk() {
			e.stepSize = 0
			return nil, nil
		}
	}
	return nil, ErrSequence
}

// CurrentPath joins the dirent names from the root downward. It fails for
// single-file and block-device archives, where no path applies.
func (e *Encoder) CurrentPath() (string, error) {
	if e.stk.empty() || !e.stk.nodes[0].isDir() {
		return "", ErrNotDirectory
	}
	var parts []string
	for i := 0; i+1 < len(e.stk.nodes); i++ {
		de, ok := e.stk.nodes[i].currentDirent()
		if !ok {
			return "", ErrSequence
		}
		parts = append(parts, de.name)
	}
	return strings.Join(parts, "/"), nil
}

// CurrentMode returns the mode of the child currently being emitted if one
// exists, else the mode of the current node.
func (e *Encoder) CurrentMode() (uint32, error) {
	if e.stk.empty() {
		return 0, xerrors.Errorf("no base installed: %w", ErrInvalid)
	}
	if child := e.stk.child(); child != nil {
		return child.st.Mode, nil
	}
	return e.stk.current().st.Mode, nil
}

// PayloadOffset is the position inside the current leaf's payload. Only
// meaningful while a regular file or block device is being emitted.
func (e *Encoder) PayloadOffset() uint64 { return e.payloadOffset }

// ArchiveOffset is the cumulative number of bytes emitted into the archive.
func (e *Encoder) ArchiveOffset() uint64 { return e.archiveOffset }

// Close releases all owned descriptors in LIFO order.
func (e *Encoder) Close() error {
	e.stk.free()
	e.buf.Reset()
	e.haveData = false
	e.finished = true
	return nil
}

// run computes the next record. It loops so that completing an inner object
// (a file's last payload chunk, a subdirectory's goodbye) continues with the
// parent within the same Step.
func (e *Encoder) run() (Signal, error) {
	for {
		n := e.stk.current()
		switch n.st.Mode & unix.S_IFMT {
		case unix.S_IFREG, unix.S_IFBLK:
			size, err := e.leafSize(n)
			if err != nil {
				return 0, err
			}
			if e.payloadOffset < size {
				if err := e.stagePayload(n, size); err != nil {
					return 0, err
				}
				return Data, nil
			}
			e.state = stateEOF
		case unix.S_IFDIR:
			if err := n.readDirents(); err != nil {
				return 0, err
			}
			sig, descend, err := e.stepDirectory(n)
			if err != nil {
				return 0, err
			}
			if descend {
				continue
			}
			if sig != Finished {
				return sig, nil
			}
		default:
			return 0, xerrors.Errorf("mode %#o: %w", n.st.Mode, ErrUnsupported)
		}

		// The innermost object is complete; unwind.
		if !e.stk.leaveChild() {
			e.stk.forgetChildren()
			return Finished, nil
		}
		e.state = statePostChild
	}
}

// stepDirectory advances the directory sub-machine. descend reports that a
// child was entered and the caller should continue with it.
func (e *Encoder) stepDirectory(n *node) (sig Signal, descend bool, err error) {
	for {
		switch e.state {
		case stateInit:
			e.state = stateHello
			// Only the archive root carries a hello record: the feature
			// flags are global, so subdirectories start with their first
			// entry directly.
			if e.stk.idx == 0 {
				if err := appendHello(&e.buf, e.flags); err != nil {
					return 0, false, err
				}
				e.haveData = true
				return Data, false, nil
			}

		case stateHello:
			de, ok := n.currentDirent()
			if !ok {
				if err := appendGoodbye(&e.buf); err != nil {
					return 0, false, err
				}
				e.haveData = true
				e.state = stateGoodbye
				return Data, false, nil
			}
			if err := e.openAndStageChild(de); err != nil {
				return 0, false, err
			}
			e.state = stateEntry
			return NextFile, false, nil

		case stateEntry:
			if child := e.stk.child(); child != nil && (child.isDir() || child.isReg()) {
				if err := e.stk.enterChild(); err != nil {
					return 0, false, err
				}
				e.state = stateInit
				e.payloadOffset = 0
				return 0, true, nil
			}
			// The child is fully described by its entry record; move on.
			e.state = statePostChild

		case statePostChild:
			// The child (entered or merely prepared) is done; drop it so
			// that path and mode reporting see a clean stack again.
			e.stk.forgetChildren()
			n.direntIdx++
			e.state = stateHello

		case stateGoodbye, stateEOF:
			e.state = stateEOF
			return Finished, false, nil
		}
	}
}

func (e *Encoder) leafSize(n *node) (uint64, error) {
	if n.isBlk() {
		if err := n.readDeviceSize(); err != nil {
			return 0, err
		}
		return n.deviceSize, nil
	}
	return uint64(n.st.Size), nil
}

// stagePayload reads the next chunk of the leaf's contents into the staging
// buffer. The stat size is a contract: running out of bytes early is an
// error, not EOF.
func (e *Encoder) stagePayload(n *node, size uint64) error {
	chunk := size - e.payloadOffset
	if chunk > payloadChunkSize {
		chunk = payloadChunkSize
	}
	if uint64(cap(e.scratch)) < chunk {
		e.scratch = make([]byte, chunk)
	}
	buf := e.scratch[:chunk]
	for done := 0; done < len(buf); {
		nr, err := unix.Read(n.fd, buf[done:])
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return xerrors.Errorf("read: %w", err)
		}
		if nr == 0 {
			return xerrors.Errorf("short read at offset %d of %d: %w",
				e.payloadOffset+uint64(done), size, io.ErrUnexpectedEOF)
		}
		done += nr
	}
	e.buf.Write(buf)
	e.haveData = true
	return nil
}

// openAndStageChild prepares and opens the child named by de and stages its
// entry record, including the type-specific trailer.
func (e *Encoder) openAndStageChild(de dirent) error {
	if _, err := e.stk.initChild(); err != nil {
		return err
	}
	child, err := e.stk.openChild(de)
	if err != nil {
		return err
	}
	return e.stageEntry(child, de.name)
}

func (e *Encoder) stageEntry(child *node, name string) error {
	switch child.st.Mode & unix.S_IFMT {
	case unix.S_IFREG, unix.S_IFDIR:
	case unix.S_IFLNK:
		if e.flags&WithSymlinks == 0 {
			return xerrors.Errorf("%s: symlink: %w", name, ErrProtocol)
		}
	case unix.S_IFBLK, unix.S_IFCHR:
		if e.flags&WithDeviceNodes == 0 {
			return xerrors.Errorf("%s: device node: %w", name, ErrProtocol)
		}
	case unix.S_IFIFO:
		if e.flags&WithFIFOs == 0 {
			return xerrors.Errorf("%s: fifo: %w", name, ErrProtocol)
		}
	case unix.S_IFSOCK:
		if e.flags&WithSockets == 0 {
			return xerrors.Errorf("%s: socket: %w", name, ErrProtocol)
		}
	default:
		return xerrors.Errorf("%s: mode %#o: %w", name, child.st.Mode, ErrUnsupported)
	}

	uid, gid, err := e.encodeOwner(child, name)
	if err != nil {
		return err
	}

	if err := appendEntry(&e.buf, name, e.encodeMode(child), uid, gid, e.encodeMTime(child)); err != nil {
		return err
	}

	switch child.st.Mode & unix.S_IFMT {
	case unix.S_IFREG:
		err = appendPayloadHeader(&e.buf, uint64(child.st.Size))
	case unix.S_IFLNK:
		err = appendSymlink(&e.buf, child.target)
	case unix.S_IFBLK, unix.S_IFCHR:
		err = appendDevice(&e.buf,
			uint64(unix.Major(child.st.Rdev)), uint64(unix.Minor(child.st.Rdev)))
	}
	if err != nil {
		return err
	}
	e.haveData = true
	return nil
}

// encodeOwner applies the uid/gid feature bits. The values 0xFFFF and
// 0xFFFFFFFF are reserved sentinels and never valid in an archive.
func (e *Encoder) encodeOwner(child *node, name string) (uid, gid uint64, err error) {
	if child.st.Uid == math.MaxUint32 || child.st.Gid == math.MaxUint32 ||
		child.st.Uid == math.MaxUint16 || child.st.Gid == math.MaxUint16 {
		return 0, 0, xerrors.Errorf("%s: reserved uid/gid: %w", name, ErrInvalid)
	}
	switch {
	case e.flags&With16BitUIDs != 0:
		if child.st.Uid > math.MaxUint16 || child.st.Gid > math.MaxUint16 {
			return 0, 0, xerrors.Errorf("%s: uid/gid beyond 16 bit: %w", name, ErrProtocol)
		}
	case e.flags&With32BitUIDs != 0:
	default:
		return 0, 0, nil
	}
	return uint64(child.st.Uid), uint64(child.st.Gid), nil
}

func (e *Encoder) encodeMode(child *node) uint64 {
	mode := uint64(child.st.Mode)
	switch {
	case child.isLnk():
		// Links have no useful permission bits.
		return unix.S_IFLNK | 0777
	case e.flags&WithPermissions != 0:
		return mode & (unix.S_IFMT | 07777)
	case e.flags&WithReadOnly != 0:
		typ := mode & unix.S_IFMT
		writable := mode&0200 != 0
		switch {
		case typ == unix.S_IFDIR && writable:
			return typ | 0777
		case typ == unix.S_IFDIR:
			return typ | 0555
		case writable:
			return typ | 0666
		default:
			return typ | 0444
		}
	default:
		return mode & unix.S_IFMT
	}
}

func (e *Encoder) encodeMTime(child *node) uint64 {
	if e.granularity == 0 {
		return 0
	}
	mtime := uint64(child.st.Mtim.Sec)*1000*1000*1000 + uint64(child.st.Mtim.Nsec)
	return mtime / e.granularity * e.granularity
}

// Reader adapts the pull interface to io.Reader for consumers like the
// chunker that want to stream the whole archive.
func (e *Encoder) Reader() io.Reader {
	return &pullReader{e: e}
}

type pullReader struct {
	e       *Encoder
	pending []byte
	err     error
}

func (r *pullReader) Read(p []byte) (int, error) {
	for len(r.pending) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		sig, err := r.e.Step()
		if err != nil {
			r.err = err
			return 0, err
		}
		if sig == Finished {
			r.err = io.EOF
			return 0, io.EOF
		}
		b, err := r.e.Data()
		if err != nil {
			r.err = err
			return 0, err
		}
		r.pending = b
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}
