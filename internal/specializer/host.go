package specializer

import (
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// Host is what the surrounding process framework provides to the agent.
type Host interface {
	// ConnectCompanion opens a fresh channel to the companion.
	ConnectCompanion() (io.ReadWriteCloser, error)
	// RequestUnload asks the framework to unload the injecting module
	// from this process once specialization completes.
	RequestUnload()
}

// SocketHost reaches the companion over its unix socket. It is used by
// gadgetctl probe to exercise the companion outside a real app process.
type SocketHost struct {
	socketPath string
	timeout    time.Duration
	unloads    atomic.Int32
}

// NewSocketHost creates a host dialing socketPath.
func NewSocketHost(socketPath string) *SocketHost {
	return &SocketHost{
		socketPath: socketPath,
		timeout:    5 * time.Second,
	}
}

// ConnectCompanion dials the companion socket.
func (h *SocketHost) ConnectCompanion() (io.ReadWriteCloser, error) {
	conn, err := net.DialTimeout("unix", h.socketPath, h.timeout)
	if err != nil {
		return nil, fmt.Errorf("companion not available: %w", err)
	}
	return conn, nil
}

// RequestUnload records the request. There is no module to unload when
// running outside the framework.
func (h *SocketHost) RequestUnload() {
	h.unloads.Add(1)
}

// UnloadRequested reports whether RequestUnload was called.
func (h *SocketHost) UnloadRequested() bool {
	return h.unloads.Load() > 0
}
