package stream

import (
	"bytes"
	"sort"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// dirent is one canonicalized directory entry: the name and the d_type byte
// from the kernel (which may be unix.DT_UNKNOWN on file systems that do not
// fill it in).
type dirent struct {
	name string
	typ  uint8
}

// node is one frame of the traversal stack, representing one open file
// system object. Only regular files and directories (and the base node of a
// block device archive) carry a descriptor; all other kinds are described by
// their stat snapshot alone.
type node struct {
	fd int
	st unix.Stat_t

	// Directory contents, populated by readDirents. haveDirents
	// distinguishes "not read yet" from "empty directory".
	dirents     []dirent
	direntIdx   int
	haveDirents bool

	// Symlink target, populated by readTarget.
	target     string
	haveTarget bool

	// Block device size in bytes, populated by readDeviceSize.
	deviceSize     uint64
	haveDeviceSize bool
}

func (n *node) isDir() bool { return n.st.Mode&unix.S_IFMT == unix.S_IFDIR }
func (n *node) isReg() bool { return n.st.Mode&unix.S_IFMT == unix.S_IFREG }
func (n *node) isBlk() bool { return n.st.Mode&unix.S_IFMT == unix.S_IFBLK }
func (n *node) isLnk() bool { return n.st.Mode&unix.S_IFMT == unix.S_IFLNK }

// readDirents reads the directory via its descriptor, drops "." and "..",
// and sorts the remaining entries by byte-wise name comparison (explicitly
// not by locale collation, so that two encodes of the same tree agree).
// Idempotent: once read, further calls are no-ops.
func (n *node) readDirents() error {
	if n.haveDirents {
		return nil
	}
	if !n.isDir() || n.fd < 0 {
		return ErrNotDirectory
	}
	// Getdents advances the descriptor's position; parse buffers the way
	// the kernel hands them out.
	buf := make([]byte, 8192)
	for {
		nr, err := unix.Getdents(n.fd, buf)
		if err != nil {
			return xerrors.Errorf("getdents: %w", err)
		}
		if nr == 0 {
			break
		}
		todo := buf[:nr]
		for len(todo) > 0 {
			de := (*syscall.Dirent)(unsafe.Pointer(&todo[0]))
			nameBytes := todo[unsafe.Offsetof(syscall.Dirent{}.Name):de.Reclen]
			todo = todo[de.Reclen:]
			if i := bytes.IndexByte(nameBytes, 0); i >= 0 {
				nameBytes = nameBytes[:i]
			}
			name := string(nameBytes)
			if name == "." || name == ".." {
				continue
			}
			n.dirents = append(n.dirents, dirent{name: name, typ: de.Type})
		}
	}
	sort.Slice(n.dirents, func(i, j int) bool {
		return n.dirents[i].name < n.dirents[j].name
	})
	n.haveDirents = true
	return nil
}

// currentDirent returns the dirent the traversal currently points at.
func (n *node) currentDirent() (dirent, bool) {
	if !n.haveDirents || n.direntIdx >= len(n.dirents) {
		return dirent{}, false
	}
	return n.dirents[n.direntIdx], true
}

// readTarget resolves the symlink named name relative to the parent
// directory descriptor. The buffer is doubled from 16 bytes until the
// returned length is strictly less than its capacity, so truncation is
// impossible. Idempotent.
func (n *node) readTarget(parent *node, name string) error {
	if n.haveTarget {
		return nil
	}
	if parent == nil || !parent.isDir() || parent.fd < 0 {
		return ErrNotDirectory
	}
	if !n.isLnk() {
		return xerrors.Errorf("%s: %w", name, ErrInvalid)
	}
	for sz := 16; ; sz *= 2 {
		buf := make([]byte, sz)
		nr, err := unix.Readlinkat(parent.fd, name, buf)
		if err != nil {
			return xerrors.Errorf("readlinkat(%s): %w", name, err)
		}
		if nr < sz {
			n.target = string(buf[:nr])
			n.haveTarget = true
			return nil
		}
	}
}

// readDeviceSize queries the block device for its 512-byte sector count.
// Idempotent.
func (n *node) readDeviceSize() error {
	if n.haveDeviceSize {
		return nil
	}
	if !n.isBlk() || n.fd < 0 {
		return xerrors.Errorf("not a block device: %w", ErrInvalid)
	}
	sectors, err := unix.IoctlGetInt(n.fd, unix.BLKGETSIZE)
	if err != nil {
		return xerrors.Errorf("ioctl(BLKGETSIZE): %w", err)
	}
	n.deviceSize = uint64(sectors) * 512
	n.haveDeviceSize = true
	return nil
}

// free releases everything the node owns. Descriptors 0-2 are never closed:
// callers may legitimately hand us stdin as the base descriptor.
func (n *node) free() {
	if n.fd > 2 {
		unix.Close(n.fd)
	}
	n.fd = -1
	n.dirents = nil
	n.direntIdx = 0
	n.haveDirents = false
	n.target = ""
	n.haveTarget = false
	n.deviceSize = 0
	n.haveDeviceSize = false
}
