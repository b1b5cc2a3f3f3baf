package tunfilter

import (
	"net/netip"
	"sync"
)

// Bypass lists remote addresses whose traffic is never inspected, such as
// the tunnel endpoint or the verdict authority
type Bypass struct {
	addrs    map[netip.Addr]struct{}
	prefixes []netip.Prefix
	mutex    sync.RWMutex
}

func NewBypass(prefixes ...netip.Prefix) *Bypass {
	b := &Bypass{addrs: make(map[netip.Addr]struct{})}
	for _, p := range prefixes {
		b.AddPrefix(p)
	}
	return b
}

// AddPrefix exempts a prefix. Single-address prefixes take the map fast path.
func (b *Bypass) AddPrefix(p netip.Prefix) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	p = p.Masked()
	if p.IsSingleIP() {
		b.addrs[p.Addr()] = struct{}{}
		return
	}
	b.prefixes = append(b.prefixes, p)
}

func (b *Bypass) AddAddr(addr netip.Addr) {
	b.AddPrefix(netip.PrefixFrom(addr, addr.BitLen()))
}

func (b *Bypass) RemoveAddr(addr netip.Addr) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	delete(b.addrs, addr)
}

func (b *Bypass) Contains(addr netip.Addr) bool {
	if b == nil {
		return false
	}
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	// fast path: nothing configured
	if len(b.addrs) == 0 && len(b.prefixes) == 0 {
		return false
	}
	if _, ok := b.addrs[addr.Unmap()]; ok {
		return true
	}
	for _, p := range b.prefixes {
		if p.Contains(addr.Unmap()) {
			return true
		}
	}
	return false
}
