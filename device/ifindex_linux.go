//go:build linux

package device

import (
	"fmt"

	"github.com/vishvananda/netlink"
)

// InterfaceIndex returns the kernel index of the named interface
func InterfaceIndex(name string) (uint32, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return 0, fmt.Errorf("failed to look up interface %s: %w", name, err)
	}
	return uint32(link.Attrs().Index), nil
}
