//go:build !windows

package api

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/fosrl/verdict/logger"
)

const socketMode = 0660

// createSocketListener listens on a unix socket. A stale socket left by a
// previous run is replaced; any other file at the path is an error.
func createSocketListener(socketPath string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	if fi, err := os.Lstat(socketPath); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("%s exists and is not a socket", socketPath)
		}
		if err := os.Remove(socketPath); err != nil {
			return nil, fmt.Errorf("failed to remove stale socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on unix socket: %w", err)
	}
	// owner and group only, the socket can flip the verdict
	if err := os.Chmod(socketPath, socketMode); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}
	return listener, nil
}

func cleanupSocket(socketPath string) {
	err := os.Remove(socketPath)
	if err != nil && !os.IsNotExist(err) {
		logger.Warn("api: could not remove socket %s: %v", socketPath, err)
	}
}
