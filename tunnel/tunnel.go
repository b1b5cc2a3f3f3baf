// Package tunnel brings up a WireGuard tunnel whose TUN device is wrapped by
// a device.MiddleDevice, so every packet crossing it passes the inspector.
package tunnel

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/netip"
	"runtime"
	"strings"

	"golang.zx2c4.com/wireguard/conn"
	wgdevice "golang.zx2c4.com/wireguard/device"
	"golang.zx2c4.com/wireguard/tun"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/fosrl/verdict/device"
	"github.com/fosrl/verdict/logger"
)

const (
	DefaultInterfaceName = "verdict"
	DefaultMTU           = 1280
	defaultKeepalive     = 25
)

type Config struct {
	InterfaceName     string
	MTU               int
	FileDescriptorTun uint32
	// Address is assigned to the interface, e.g. 100.90.0.2/24
	Address netip.Prefix

	// PrivateKey is base64; a fresh key is generated when empty
	PrivateKey     string
	PeerPublicKey  string
	PeerEndpoint   string
	PeerAllowedIPs []netip.Prefix
	Keepalive      int
}

// Tunnel owns the TUN device, the middle device and the WireGuard device
type Tunnel struct {
	cfg        Config
	name       string
	privateKey wgtypes.Key
	endpoint   *net.UDPAddr

	tdev   tun.Device
	middle *device.MiddleDevice
	dev    *wgdevice.Device
}

// New creates the TUN device and WireGuard over it. The middle device is
// returned unfiltered; callers install their filter before traffic matters.
func New(cfg Config) (*Tunnel, error) {
	if cfg.MTU == 0 {
		cfg.MTU = DefaultMTU
	}
	if cfg.InterfaceName == "" {
		cfg.InterfaceName = DefaultInterfaceName
	}
	if cfg.Keepalive == 0 {
		cfg.Keepalive = defaultKeepalive
	}

	t := &Tunnel{cfg: cfg}

	var err error
	if cfg.PrivateKey == "" {
		t.privateKey, err = wgtypes.GeneratePrivateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate private key: %w", err)
		}
		logger.Info("tunnel: generated private key, public key %s", t.privateKey.PublicKey())
	} else if t.privateKey, err = wgtypes.ParseKey(cfg.PrivateKey); err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}

	if cfg.PeerEndpoint != "" {
		t.endpoint, err = net.ResolveUDPAddr("udp", cfg.PeerEndpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve peer endpoint %s: %w", cfg.PeerEndpoint, err)
		}
	}

	uapi, err := uapiConfig(t.privateKey, cfg, t.endpoint)
	if err != nil {
		return nil, err
	}

	t.tdev, err = func() (tun.Device, error) {
		if cfg.FileDescriptorTun != 0 {
			return createTUNFromFD(cfg.FileDescriptorTun, cfg.MTU)
		}
		return tun.CreateTUN(cfg.InterfaceName, cfg.MTU)
	}()
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device: %w", err)
	}

	t.name = cfg.InterfaceName
	if realName, err := t.tdev.Name(); err == nil {
		t.name = realName
	}

	t.middle = device.NewMiddleDevice(t.tdev)

	wgLogger := logger.GetLogger().WireGuardLogger("wireguard: ")
	t.dev = wgdevice.NewDevice(t.middle, conn.NewDefaultBind(), wgLogger)

	if err := t.dev.IpcSet(uapi); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to configure WireGuard peer: %w", err)
	}
	if err := t.dev.Up(); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to bring up WireGuard device: %w", err)
	}

	if cfg.Address.IsValid() && cfg.FileDescriptorTun == 0 {
		if err := configureInterface(t.name, cfg.Address); err != nil {
			logger.Error("tunnel: failed to configure interface %s: %v", t.name, err)
		}
	}

	logger.Info("tunnel: %s up on %s (mtu %d)", t.name, runtime.GOOS, cfg.MTU)
	return t, nil
}

// uapiConfig renders the WireGuard UAPI set operation for the single peer.
// Keys go over UAPI in hex.
func uapiConfig(privateKey wgtypes.Key, cfg Config, endpoint *net.UDPAddr) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\n", hex.EncodeToString(privateKey[:]))

	if cfg.PeerPublicKey == "" {
		return b.String(), nil
	}
	peerKey, err := wgtypes.ParseKey(cfg.PeerPublicKey)
	if err != nil {
		return "", fmt.Errorf("invalid peer public key: %w", err)
	}
	fmt.Fprintf(&b, "public_key=%s\n", hex.EncodeToString(peerKey[:]))
	for _, prefix := range cfg.PeerAllowedIPs {
		fmt.Fprintf(&b, "allowed_ip=%s\n", prefix.Masked())
	}
	if endpoint != nil {
		fmt.Fprintf(&b, "endpoint=%s\n", endpoint)
		fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", cfg.Keepalive)
	}
	return b.String(), nil
}

func (t *Tunnel) Name() string {
	return t.name
}

func (t *Tunnel) Device() *device.MiddleDevice {
	return t.middle
}

func (t *Tunnel) PublicKey() wgtypes.Key {
	return t.privateKey.PublicKey()
}

// EndpointAddr is the peer's resolved underlay address. Its traffic never
// enters the tunnel but is listed for bypass anyway.
func (t *Tunnel) EndpointAddr() (netip.Addr, bool) {
	if t.endpoint == nil {
		return netip.Addr{}, false
	}
	addr, ok := netip.AddrFromSlice(t.endpoint.IP)
	return addr.Unmap(), ok
}

func (t *Tunnel) InterfaceIndex() (uint32, error) {
	return device.InterfaceIndex(t.name)
}

// Close tears the WireGuard device down, which closes the middle and TUN
// devices beneath it
func (t *Tunnel) Close() {
	if t.dev != nil {
		t.dev.Close()
		t.dev = nil
		return
	}
	if t.middle != nil {
		t.middle.Close()
	}
}
