package tunnel

import (
	"encoding/hex"
	"net"
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

func TestUAPIConfigWithPeer(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	peer, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)
	peerPub := peer.PublicKey()

	cfg := Config{
		PeerPublicKey:  peerPub.String(),
		PeerAllowedIPs: []netip.Prefix{netip.MustParsePrefix("100.90.0.7/24"), netip.MustParsePrefix("10.1.0.0/16")},
		Keepalive:      15,
	}
	endpoint := &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 51820}

	out, err := uapiConfig(priv, cfg, endpoint)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, []string{
		"private_key=" + hex.EncodeToString(priv[:]),
		"public_key=" + hex.EncodeToString(peerPub[:]),
		"allowed_ip=100.90.0.0/24",
		"allowed_ip=10.1.0.0/16",
		"endpoint=203.0.113.9:51820",
		"persistent_keepalive_interval=15",
	}, lines)
}

func TestUAPIConfigWithoutPeer(t *testing.T) {
	priv, err := wgtypes.GeneratePrivateKey()
	require.NoError(t, err)

	out, err := uapiConfig(priv, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "private_key="+hex.EncodeToString(priv[:])+"\n", out)

	_, err = uapiConfig(priv, Config{PeerPublicKey: "not-a-key"}, nil)
	assert.Error(t, err)
}

func TestEndpointAddr(t *testing.T) {
	tn := &Tunnel{}
	_, ok := tn.EndpointAddr()
	assert.False(t, ok)

	tn.endpoint = &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 51820}
	addr, ok := tn.EndpointAddr()
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("203.0.113.9"), addr)
}
