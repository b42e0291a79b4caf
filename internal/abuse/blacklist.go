// Package abuse holds the relay's abuse controls: an address blacklist, a
// per-address join rate limit and a per-connection packet spam counter.
package abuse

import (
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/yl2chen/cidranger"
)

// Blacklist matches addresses against banned IPs and CIDR ranges. It is safe
// for concurrent use.
type Blacklist struct {
	mu      sync.RWMutex
	ranger  cidranger.Ranger
	entries map[string]net.IPNet
}

func NewBlacklist() *Blacklist {
	return &Blacklist{
		ranger:  cidranger.NewPCTrieRanger(),
		entries: make(map[string]net.IPNet),
	}
}

// parseEntry accepts a single IP or a CIDR range.
func parseEntry(s string) (net.IPNet, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		_, ipNet, err := net.ParseCIDR(s)
		if err != nil {
			return net.IPNet{}, fmt.Errorf("invalid blacklist entry %q: %w", s, err)
		}
		return *ipNet, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return net.IPNet{}, fmt.Errorf("invalid blacklist entry %q", s)
	}
	if v4 := ip.To4(); v4 != nil {
		return net.IPNet{IP: v4, Mask: net.CIDRMask(32, 32)}, nil
	}
	return net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}, nil
}

// Add bans an IP or CIDR range.
func (b *Blacklist) Add(entry string) error {
	ipNet, err := parseEntry(entry)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ranger.Insert(cidranger.NewBasicRangerEntry(ipNet)); err != nil {
		return fmt.Errorf("blacklist %s: %w", ipNet.String(), err)
	}
	b.entries[ipNet.String()] = ipNet
	return nil
}

// AddAll bans every entry, stopping at the first invalid one.
func (b *Blacklist) AddAll(entries []string) error {
	for _, e := range entries {
		if err := b.Add(e); err != nil {
			return err
		}
	}
	return nil
}

// Remove lifts a ban added with the same entry. It reports whether the entry
// was present.
func (b *Blacklist) Remove(entry string) (bool, error) {
	ipNet, err := parseEntry(entry)
	if err != nil {
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[ipNet.String()]; !ok {
		return false, nil
	}
	if _, err := b.ranger.Remove(ipNet); err != nil {
		return false, err
	}
	delete(b.entries, ipNet.String())
	return true, nil
}

// Contains reports whether ip is banned.
func (b *Blacklist) Contains(ip net.IP) bool {
	if ip == nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	ok, err := b.ranger.Contains(ip)
	return err == nil && ok
}

// Entries lists the banned ranges.
func (b *Blacklist) Entries() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.entries))
	for k := range b.entries {
		out = append(out, k)
	}
	return out
}

func (b *Blacklist) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}
