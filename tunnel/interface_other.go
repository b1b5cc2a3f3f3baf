//go:build !linux && !darwin && !windows

package tunnel

import (
	"net/netip"

	"github.com/fosrl/verdict/logger"
)

func configureInterface(interfaceName string, address netip.Prefix) error {
	logger.Warn("tunnel: assign %s to %s manually on this platform", address, interfaceName)
	return nil
}
