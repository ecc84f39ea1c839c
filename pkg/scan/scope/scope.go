package scope

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/pyneda/minion/lib"
)

// Classifier decides whether a target may be scanned. The blacklist denies
// networks, the whitelist carves exceptions out of it; addresses on neither
// list are allowed. Only IPv4 is classified.
type Classifier struct {
	allow intervals
	deny  intervals
}

// NewClassifier builds a classifier from CIDR lists. Bare addresses are
// accepted as /32 networks.
func NewClassifier(whitelist, blacklist []string) (*Classifier, error) {
	allow, err := parseNetworks(whitelist)
	if err != nil {
		return nil, fmt.Errorf("invalid whitelist: %w", err)
	}
	deny, err := parseNetworks(blacklist)
	if err != nil {
		return nil, fmt.Errorf("invalid blacklist: %w", err)
	}
	return &Classifier{allow: allow, deny: deny}, nil
}

// FromConfig builds the classifier from scanner.whitelist and
// scanner.blacklist.
func FromConfig() (*Classifier, error) {
	return NewClassifier(
		viper.GetStringSlice("scanner.whitelist"),
		viper.GetStringSlice("scanner.blacklist"),
	)
}

// Scannable reports whether the target is admitted. CIDR and bare-address
// targets are classified as whole networks; URL targets resolve their host
// and every resolved IPv4 address must be admitted. Resolution failures are
// returned as errors, not denials.
func (c *Classifier) Scannable(target string) (bool, error) {
	if network, ok := parseTarget(target); ok {
		return c.networkScannable(network), nil
	}

	ips, err := lib.GetIPFromURL(target)
	if err != nil {
		return false, fmt.Errorf("could not resolve target %s: %w", target, err)
	}
	for _, ip := range ips {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		if !c.addressScannable(binary.BigEndian.Uint32(v4)) {
			return false, nil
		}
	}
	return true, nil
}

// networkScannable denies a network iff some address in it is blacklisted
// and not whitelisted.
func (c *Classifier) networkScannable(network interval) bool {
	blocked := c.deny.intersect(intervals{network})
	return len(blocked.subtract(c.allow)) == 0
}

func (c *Classifier) addressScannable(addr uint32) bool {
	return !c.deny.contains(addr) || c.allow.contains(addr)
}

// parseTarget interprets the target as an IPv4 network or bare address.
func parseTarget(target string) (interval, bool) {
	if addr, err := netip.ParseAddr(target); err == nil && addr.Is4() {
		n := addrToUint(addr)
		return interval{lo: n, hi: n}, true
	}
	if strings.Contains(target, "/") {
		if prefix, err := netip.ParsePrefix(target); err == nil && prefix.Addr().Is4() {
			return prefixToInterval(prefix), true
		}
	}
	return interval{}, false
}

// interval is an inclusive IPv4 address range.
type interval struct {
	lo, hi uint32
}

// intervals is kept sorted by lo with no overlapping or adjacent entries.
type intervals []interval

func parseNetworks(cidrs []string) (intervals, error) {
	var out intervals
	for _, raw := range cidrs {
		entry := raw
		if !strings.Contains(entry, "/") {
			entry += "/32"
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("network %q: %w", raw, err)
		}
		if !prefix.Addr().Is4() {
			return nil, fmt.Errorf("network %q: not IPv4", raw)
		}
		out = append(out, prefixToInterval(prefix))
	}
	return out.normalize(), nil
}

func prefixToInterval(prefix netip.Prefix) interval {
	prefix = prefix.Masked()
	lo := addrToUint(prefix.Addr())
	mask := ^uint32(0) << (32 - prefix.Bits())
	return interval{lo: lo, hi: lo | ^mask}
}

func addrToUint(addr netip.Addr) uint32 {
	v4 := addr.As4()
	return binary.BigEndian.Uint32(v4[:])
}

// normalize sorts and merges overlapping or adjacent intervals.
func (s intervals) normalize() intervals {
	if len(s) == 0 {
		return s
	}
	sort.Slice(s, func(i, j int) bool { return s[i].lo < s[j].lo })
	out := intervals{s[0]}
	for _, iv := range s[1:] {
		last := &out[len(out)-1]
		if iv.lo <= last.hi || (last.hi != ^uint32(0) && iv.lo == last.hi+1) {
			if iv.hi > last.hi {
				last.hi = iv.hi
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

func (s intervals) contains(addr uint32) bool {
	i := sort.Search(len(s), func(i int) bool { return s[i].hi >= addr })
	return i < len(s) && s[i].lo <= addr
}

// intersect returns the ranges present in both sets.
func (s intervals) intersect(other intervals) intervals {
	var out intervals
	i, j := 0, 0
	for i < len(s) && j < len(other) {
		lo := max32(s[i].lo, other[j].lo)
		hi := min32(s[i].hi, other[j].hi)
		if lo <= hi {
			out = append(out, interval{lo: lo, hi: hi})
		}
		if s[i].hi < other[j].hi {
			i++
		} else {
			j++
		}
	}
	return out
}

// subtract returns the ranges of s not covered by other.
func (s intervals) subtract(other intervals) intervals {
	var out intervals
	for _, iv := range s {
		remaining := []interval{iv}
		for _, cut := range other {
			var next []interval
			for _, r := range remaining {
				if cut.hi < r.lo || cut.lo > r.hi {
					next = append(next, r)
					continue
				}
				if cut.lo > r.lo {
					next = append(next, interval{lo: r.lo, hi: cut.lo - 1})
				}
				if cut.hi < r.hi {
					next = append(next, interval{lo: cut.hi + 1, hi: r.hi})
				}
			}
			remaining = next
		}
		out = append(out, remaining...)
	}
	return out
}

func min32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

func max32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}
