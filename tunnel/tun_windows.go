//go:build windows

package tunnel

import (
	"errors"

	"golang.zx2c4.com/wireguard/tun"
)

func createTUNFromFD(uint32, int) (tun.Device, error) {
	return nil, errors.New("tunnel: creating a TUN device from a file descriptor is not supported on Windows")
}
