package relay

import (
	"net"
	"strings"
)

// AnonymizeIP truncates an address before it reaches the vendor: IPv4 keeps
// the first two octets, IPv6 has its last two 16-bit groups zeroed.
// Unparseable input yields "".
func AnonymizeIP(raw string) string {
	raw = strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	ip := net.ParseIP(raw)
	if ip == nil {
		return ""
	}

	if v4 := ip.To4(); v4 != nil {
		return net.IPv4(v4[0], v4[1], 0, 0).String()
	}

	v6 := make(net.IP, net.IPv6len)
	copy(v6, ip.To16())
	for i := 12; i < net.IPv6len; i++ {
		v6[i] = 0
	}
	return v6.String()
}
