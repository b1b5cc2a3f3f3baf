//go:build !linux

package device

import (
	"fmt"
	"net"
)

// InterfaceIndex returns the index of the named interface
func InterfaceIndex(name string) (uint32, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return 0, fmt.Errorf("failed to look up interface %s: %w", name, err)
	}
	return uint32(iface.Index), nil
}
