//go:build windows

package api

import (
	"fmt"
	"net"
	"strings"

	"github.com/Microsoft/go-winio"
)

const (
	pipePrefix = `\\.\pipe\`
	// SYSTEM, Administrators and the creator owner
	pipeSDDL = "D:P(A;;GA;;;SY)(A;;GA;;;BA)(A;;GA;;;OW)"
)

func pipeName(path string) string {
	if strings.HasPrefix(path, `\\`) {
		return path
	}
	return pipePrefix + strings.TrimLeft(path, `\/`)
}

// createSocketListener listens on a named pipe; socketPath may be a bare
// pipe name
func createSocketListener(socketPath string) (net.Listener, error) {
	name := pipeName(socketPath)
	listener, err := winio.ListenPipe(name, &winio.PipeConfig{
		SecurityDescriptor: pipeSDDL,
		InputBufferSize:    4096,
		OutputBufferSize:   65536,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on named pipe %s: %w", name, err)
	}
	return listener, nil
}

// named pipes disappear with their last handle
func cleanupSocket(string) {}
