//go:build windows

package tunnel

import (
	"fmt"
	"net"
	"net/netip"
	"os/exec"
	"time"

	"github.com/fosrl/verdict/logger"
)

const interfaceUpTimeout = 30 * time.Second

func configureInterface(interfaceName string, address netip.Prefix) error {
	if !address.Addr().Is4() {
		return fmt.Errorf("only IPv4 tunnel addresses are supported on windows, got %s", address)
	}
	logger.Info("tunnel: configuring windows interface %s", interfaceName)

	mask := net.IP(net.CIDRMask(address.Bits(), 32))
	cmd := exec.Command("netsh", "interface", "ipv4", "set", "address",
		fmt.Sprintf("name=%s", interfaceName),
		"source=static",
		fmt.Sprintf("addr=%s", address.Addr()),
		fmt.Sprintf("mask=%s", mask))
	logger.Debug("tunnel: running command: %v", cmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("netsh command failed: %v, output: %s", err, out)
	}

	cmd = exec.Command("netsh", "interface", "set", "interface", interfaceName, "admin=enable")
	logger.Debug("tunnel: running command: %v", cmd)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("netsh enable interface command failed: %v, output: %s", err, out)
	}

	return waitForAddress(interfaceName, address.Addr(), interfaceUpTimeout)
}

// waitForAddress polls until the interface is up and carries addr
func waitForAddress(interfaceName string, addr netip.Addr, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		iface, err := net.InterfaceByName(interfaceName)
		if err == nil && iface.Flags&net.FlagUp != 0 {
			addrs, _ := iface.Addrs()
			for _, a := range addrs {
				if ipNet, ok := a.(*net.IPNet); ok {
					if got, ok := netip.AddrFromSlice(ipNet.IP); ok && got.Unmap() == addr {
						logger.Info("tunnel: interface %s is up with %s", interfaceName, addr)
						return nil
					}
				}
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("interface %s did not come up with %s within %s", interfaceName, addr, timeout)
}
