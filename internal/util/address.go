// Package util provides logging, traffic statistics and address helpers
// shared by the relay packages.
package util

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net"
)

// syntheticMarker is the first byte of every synthesized address, taken from
// the IPv6 unique local range fd00::/8.
const syntheticMarker = 0xfd

// HashAddress hashes the raw bytes of ip (4 bytes for IPv4, 16 for IPv6)
// with FNV-1a 64. The result is stable across calls and restarts.
func HashAddress(ip net.IP) uint64 {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	h := fnv.New64a()
	h.Write(ip)
	return h.Sum64()
}

// SynthesizeAddress builds the anonymized IPv6 address carrying hash in its
// low 8 bytes.
func SynthesizeAddress(hash uint64) net.IP {
	ip := make(net.IP, net.IPv6len)
	ip[0] = syntheticMarker
	binary.BigEndian.PutUint64(ip[8:], hash)
	return ip
}

// Obfuscate returns the anonymized form of ip. Collisions are possible and
// accepted.
func Obfuscate(ip net.IP) net.IP {
	return SynthesizeAddress(HashAddress(ip))
}

// IsSynthetic reports whether ip was produced by SynthesizeAddress.
func IsSynthetic(ip net.IP) bool {
	return len(ip) == net.IPv6len && ip[0] == syntheticMarker
}

// RemoteIP extracts the IP of a remote network address, or nil.
func RemoteIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	case nil:
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

// ConnID formats a connection id the way logs print it.
func ConnID(id int32) string {
	return fmt.Sprintf("0x%08x", uint32(id))
}
