//go:build !windows

package tunnel

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/tun"

	"github.com/fosrl/verdict/logger"
)

func createTUNFromFD(tunFd uint32, mtuInt int) (tun.Device, error) {
	dupTunFd, err := unix.Dup(int(tunFd))
	if err != nil {
		logger.Error("tunnel: unable to dup tun fd: %v", err)
		return nil, err
	}

	err = unix.SetNonblock(dupTunFd, true)
	if err != nil {
		unix.Close(dupTunFd)
		return nil, err
	}

	file := os.NewFile(uintptr(dupTunFd), "/dev/tun")
	device, err := tun.CreateTUNFromFile(file, mtuInt)
	if err != nil {
		file.Close()
		return nil, err
	}

	return device, nil
}
