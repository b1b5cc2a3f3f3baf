//go:build darwin

package tunnel

import (
	"fmt"
	"net/netip"
	"os/exec"

	"github.com/fosrl/verdict/logger"
)

func configureInterface(interfaceName string, address netip.Prefix) error {
	logger.Info("tunnel: configuring darwin interface %s", interfaceName)

	cmd := exec.Command("ifconfig", interfaceName, "inet", address.String(), address.Addr().String(), "alias")
	logger.Debug("tunnel: running command: %v", cmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ifconfig command failed: %v, output: %s", err, out)
	}

	cmd = exec.Command("ifconfig", interfaceName, "up")
	logger.Debug("tunnel: running command: %v", cmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("ifconfig up command failed: %v, output: %s", err, out)
	}
	return nil
}
