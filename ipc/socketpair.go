package ipc

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// EndpointPair is a connected pair of byte-stream endpoints. The supervisor
// keeps Parent and hands Child to the worker process; each side owns
// exactly one end.
type EndpointPair struct {
	Parent *os.File
	Child  *os.File
}

// NewEndpointPair creates a connected socketpair. Both ends are marked
// close-on-exec; the child end is passed to the worker explicitly via
// ExtraFiles, which clears the flag on the inherited descriptor.
func NewEndpointPair() (*EndpointPair, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "creating socketpair")
	}
	return &EndpointPair{
		Parent: os.NewFile(uintptr(fds[0]), "ipc-parent"),
		Child:  os.NewFile(uintptr(fds[1]), "ipc-child"),
	}, nil
}

// Close closes both ends. Safe to call after one end has been handed off.
func (p *EndpointPair) Close() {
	if p.Parent != nil {
		_ = p.Parent.Close()
	}
	if p.Child != nil {
		_ = p.Child.Close()
	}
}

// CloseChild closes the child end in the parent process once the worker
// holds its own copy.
func (p *EndpointPair) CloseChild() {
	if p.Child != nil {
		_ = p.Child.Close()
		p.Child = nil
	}
}

// FromFD wraps an inherited file descriptor as a channel endpoint. The
// worker uses this on the descriptor passed down by the supervisor.
func FromFD(fd uintptr, name string) *os.File {
	return os.NewFile(fd, name)
}
