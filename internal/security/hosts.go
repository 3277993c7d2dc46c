package security

import (
	"net/netip"
	"strings"
)

// blockedHostnames are names that resolve to the host itself or to
// infrastructure endpoints, independent of DNS.
var blockedHostnames = map[string]struct{}{
	"localhost":                {},
	"localhost.localdomain":    {},
	"metadata":                 {},
	"metadata.google.internal": {},
	"instance-data":            {},
	"kubernetes.default":       {},
	"kubernetes.default.svc":   {},
}

// blockedHostnameSuffixes refuse whole private naming zones.
var blockedHostnameSuffixes = []string{".localhost", ".local", ".internal"}

// privateV4Ranges are the RFC1918/loopback/link-local/CGNAT ranges plus the
// "this network" block.
var privateV4Ranges = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
}

// privateV6Ranges cover loopback, unspecified, link-local, the deprecated
// site-local block, and unique-local addresses.
var privateV6Ranges = []netip.Prefix{
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("fec0::/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// cloudMetadataIPs are the fixed metadata endpoints of the major clouds.
var cloudMetadataIPs = map[string]struct{}{
	"169.254.169.254": {}, // AWS, GCP, Azure, DigitalOcean
	"169.254.170.2":   {}, // AWS ECS task metadata
	"100.100.100.200": {}, // Alibaba Cloud
	"fd00:ec2::254":   {}, // AWS IMDS over IPv6
}

// canonicalHost lowercases, trims the trailing dot, and strips IPv6 brackets.
func canonicalHost(host string) string {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.TrimSuffix(h, ".")
	h = strings.TrimPrefix(h, "[")
	h = strings.TrimSuffix(h, "]")
	return h
}

// IsBlockedHostname reports whether host names the local machine or a private
// naming zone.
func IsBlockedHostname(host string) bool {
	h := canonicalHost(host)
	if h == "" {
		return false
	}
	if _, ok := blockedHostnames[h]; ok {
		return true
	}
	for _, suffix := range blockedHostnameSuffixes {
		if strings.HasSuffix(h, suffix) {
			return true
		}
	}
	return false
}

// IsPrivateIP reports whether addr is a private, loopback, link-local, CGNAT,
// or otherwise non-public address. IPv4-mapped IPv6 forms (::ffff:10.0.0.1 and
// the hex spelling ::ffff:a00:1) are unmapped first, so wrapping a private
// IPv4 address in IPv6 syntax cannot slip past the v4 range tables.
func IsPrivateIP(addr string) bool {
	ip, err := netip.ParseAddr(canonicalHost(addr))
	if err != nil {
		return false
	}
	if ip.Is4() || ip.Is4In6() {
		v4 := ip.Unmap()
		for _, r := range privateV4Ranges {
			if r.Contains(v4) {
				return true
			}
		}
		return false
	}
	for _, r := range privateV6Ranges {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

// IsCloudMetadataIP reports whether addr is a cloud metadata endpoint.
func IsCloudMetadataIP(addr string) bool {
	ip, err := netip.ParseAddr(canonicalHost(addr))
	if err != nil {
		return false
	}
	if ip.Is4In6() {
		ip = ip.Unmap()
	}
	_, ok := cloudMetadataIPs[ip.String()]
	return ok
}

// IsIPAddress reports whether s parses as a bare IP address.
func IsIPAddress(s string) bool {
	_, err := netip.ParseAddr(canonicalHost(s))
	return err == nil
}
