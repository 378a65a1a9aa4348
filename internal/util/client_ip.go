package util

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies is the set of proxy address ranges whose forwarded
// headers are believed.
type TrustedProxies struct {
	prefixes []netip.Prefix
}

// NewTrustedProxies parses CIDR or single-address entries. An empty list
// yields nil, which trusts no proxy at all.
func NewTrustedProxies(entries []string) (*TrustedProxies, error) {
	var prefixes []netip.Prefix
	for _, raw := range entries {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, err
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return nil, err
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	if len(prefixes) == 0 {
		return nil, nil
	}
	return &TrustedProxies{prefixes: prefixes}, nil
}

func (t *TrustedProxies) trusts(addr netip.Addr) bool {
	if t == nil || !addr.IsValid() {
		return false
	}
	for _, prefix := range t.prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientIP resolves the originating address of a request. X-Forwarded-For
// and X-Real-IP are honored only when the direct peer is a trusted proxy;
// within the forwarded chain the rightmost untrusted hop wins.
func ClientIP(r *http.Request, trusted *TrustedProxies) string {
	peer, ok := remoteAddr(r.RemoteAddr)
	if !ok {
		return strings.TrimSpace(r.RemoteAddr)
	}
	if !trusted.trusts(peer) {
		return peer.String()
	}

	var hops []netip.Addr
	for _, field := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
		if addr, err := netip.ParseAddr(strings.TrimSpace(field)); err == nil {
			hops = append(hops, addr)
		}
	}
	if len(hops) > 0 {
		hops = append(hops, peer)
		for i := len(hops) - 1; i >= 0; i-- {
			if !trusted.trusts(hops[i]) {
				return hops[i].String()
			}
		}
		return hops[0].String()
	}

	if addr, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return addr.String()
	}
	return peer.String()
}

func remoteAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(raw)
	return addr, err == nil
}
