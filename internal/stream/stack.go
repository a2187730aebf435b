package stream

import (
	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// nodesMax bounds the traversal depth. The stack is allocated once with this
// capacity so that node pointers stay valid for the lifetime of the encoder.
const nodesMax = 128

type stack struct {
	nodes []node
	idx   int
}

func newStack() stack {
	return stack{nodes: make([]node, 0, nodesMax)}
}

func (s *stack) empty() bool { return len(s.nodes) == 0 }

// current returns the node the traversal is positioned on.
func (s *stack) current() *node { return &s.nodes[s.idx] }

// child returns the node prepared above the current one, if any.
func (s *stack) child() *node {
	if s.idx+1 >= len(s.nodes) {
		return nil
	}
	return &s.nodes[s.idx+1]
}

// setBase populates the root node from an externally supplied descriptor.
// The descriptor is consumed: the stack owns it from here on (except fds
// 0-2, which free never closes).
func (s *stack) setBase(fd int) error {
	if !s.empty() {
		return ErrBusy
	}
	if fd < 0 {
		return ErrInvalid
	}
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return xerrors.Errorf("fstat: %w", err)
	}
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFREG, unix.S_IFDIR, unix.S_IFBLK:
	default:
		return ErrUnsupported
	}
	s.nodes = append(s.nodes, node{fd: fd, st: st})
	s.idx = 0
	return nil
}

// initChild prepares an empty node for the next child: stale siblings above
// the current node are discarded first, and the depth ceiling is enforced
// before any I/O happens on the new level.
func (s *stack) initChild() (*node, error) {
	s.forgetChildren()
	if len(s.nodes) >= nodesMax {
		return nil, ErrDepth
	}
	s.nodes = append(s.nodes, node{fd: -1})
	return &s.nodes[len(s.nodes)-1], nil
}

const openFlags = unix.O_RDONLY | unix.O_CLOEXEC | unix.O_NOCTTY | unix.O_NOFOLLOW

// openChild opens the dirent de of the current directory into the node
// prepared by initChild. Entries of plain dirent type are opened directly
// and their type confirmed through the descriptor; O_NOFOLLOW defends
// against a plain entry turning into a symlink between readdir and open.
// Everything else is stat'ed first and only opened if the stat reveals a
// regular file or directory; other kinds are described by their stat alone.
func (s *stack) openChild(de dirent) (*node, error) {
	parent := s.current()
	child := s.child()
	if child == nil || !parent.isDir() || parent.fd < 0 {
		return nil, ErrInvalid
	}

	open := func(dir bool) error {
		flags := openFlags
		want := uint32(unix.S_IFREG)
		if dir {
			flags |= unix.O_DIRECTORY
			want = unix.S_IFDIR
		}
		fd, err := unix.Openat(parent.fd, de.name, flags, 0)
		if err != nil {
			return xerrors.Errorf("openat(%s): %w", de.name, err)
		}
		child.fd = fd
		if err := unix.Fstat(fd, &child.st); err != nil {
			return xerrors.Errorf("fstat(%s): %w", de.name, err)
		}
		if child.st.Mode&unix.S_IFMT != want {
			return xerrors.Errorf("%s: file type changed during traversal: %w", de.name, ErrUnsupported)
		}
		return nil
	}

	switch de.typ {
	case unix.DT_DIR, unix.DT_REG:
		if err := open(de.typ == unix.DT_DIR); err != nil {
			return nil, err
		}
	default:
		if err := unix.Fstatat(parent.fd, de.name, &child.st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
			return nil, xerrors.Errorf("fstatat(%s): %w", de.name, err)
		}
		switch child.st.Mode & unix.S_IFMT {
		case unix.S_IFREG, unix.S_IFDIR:
			if err := open(child.isDir()); err != nil {
				return nil, err
			}
		case unix.S_IFLNK:
			if err := child.readTarget(parent, de.name); err != nil {
				return nil, err
			}
		}
	}
	return child, nil
}

// enterChild descends into the node prepared above the current one. Only
// regular files and directories with a valid descriptor can be entered.
func (s *stack) enterChild() error {
	child := s.child()
	if child == nil || child.fd < 0 || !(child.isReg() || child.isDir()) {
		return ErrInvalid
	}
	s.idx++
	return nil
}

// leaveChild rises to the parent, reporting whether there was anywhere to
// rise to.
func (s *stack) leaveChild() bool {
	if s.idx == 0 {
		return false
	}
	s.idx--
	return true
}

// forgetChildren frees and drops all nodes above the current one.
func (s *stack) forgetChildren() {
	for i := len(s.nodes) - 1; i > s.idx; i-- {
		s.nodes[i].free()
	}
	s.nodes = s.nodes[:s.idx+1]
}

// free tears the whole stack down in LIFO order.
func (s *stack) free() {
	for i := len(s.nodes) - 1; i >= 0; i-- {
		s.nodes[i].free()
	}
	s.nodes = s.nodes[:0]
	s.idx = 0
}
