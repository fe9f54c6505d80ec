// Package discovery turns subnet settings and target specs into ordered host address lists.
package discovery

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// maxHosts bounds every expansion.
const maxHosts = 65536

// TargetType represents the type of network target
type TargetType string

const (
	TargetTypeCIDR    TargetType = "cidr"
	TargetTypeRange   TargetType = "range"
	TargetTypeSingle  TargetType = "ip"
	TargetTypeUnknown TargetType = "unknown"
)

// SubnetRange materialises {prefix}.{i} for i in [start, end], ascending.
// The prefix must be three dotted octets.
func SubnetRange(prefix string, start, end int) ([]string, error) {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if _, err := netip.ParseAddr(prefix + ".0"); err != nil {
		return nil, fmt.Errorf("invalid subnet prefix %q: %w", prefix, err)
	}
	if start < 0 || end > 255 || start > end {
		return nil, fmt.Errorf("invalid host range %d-%d", start, end)
	}

	ips := make([]string, 0, end-start+1)
	for i := start; i <= end; i++ {
		ips = append(ips, prefix+"."+strconv.Itoa(i))
	}
	return ips, nil
}

// DetectTargetType detects whether value is a CIDR block, an IPv4 range or a single address.
//
// Examples:
//   - "192.168.1.0/24" -> "cidr"
//   - "192.168.1.1-192.168.1.50" -> "range"
//   - "192.168.1.100" -> "ip"
func DetectTargetType(value string) TargetType {
	value = strings.TrimSpace(value)

	if strings.Contains(value, "/") {
		if p, err := netip.ParsePrefix(value); err == nil && p.Addr().Is4() {
			return TargetTypeCIDR
		}
		return TargetTypeUnknown
	}

	if start, end, ok := strings.Cut(value, "-"); ok {
		s, err1 := netip.ParseAddr(strings.TrimSpace(start))
		e, err2 := netip.ParseAddr(strings.TrimSpace(end))
		if err1 == nil && err2 == nil && s.Is4() && e.Is4() {
			return TargetTypeRange
		}
		return TargetTypeUnknown
	}

	if addr, err := netip.ParseAddr(value); err == nil && addr.Is4() {
		return TargetTypeSingle
	}

	return TargetTypeUnknown
}

// ExpandTarget expands one target spec into individual IPv4 addresses in ascending order.
// CIDR blocks exclude the network and broadcast addresses (except /31 and /32).
func ExpandTarget(value string) ([]string, error) {
	switch DetectTargetType(value) {
	case TargetTypeCIDR:
		return expandCIDR(strings.TrimSpace(value))
	case TargetTypeRange:
		return expandRange(strings.TrimSpace(value))
	case TargetTypeSingle:
		return []string{strings.TrimSpace(value)}, nil
	default:
		return nil, fmt.Errorf("invalid target format: %q", value)
	}
}

// ExpandTargets expands a list of specs (each may itself be comma separated) and drops
// duplicates while keeping first-seen order.
func ExpandTargets(values []string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, v := range values {
		for _, spec := range strings.Split(v, ",") {
			if strings.TrimSpace(spec) == "" {
				continue
			}
			ips, err := ExpandTarget(spec)
			if err != nil {
				return nil, err
			}
			for _, ip := range ips {
				if !seen[ip] {
					seen[ip] = true
					out = append(out, ip)
				}
			}
			if len(out) > maxHosts {
				return nil, fmt.Errorf("targets expand to more than %d hosts", maxHosts)
			}
		}
	}
	return out, nil
}

func expandCIDR(cidr string) ([]string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return nil, fmt.Errorf("invalid CIDR notation: %w", err)
	}
	bits := prefix.Bits()
	if 32-bits > 16 {
		return nil, fmt.Errorf("CIDR block too large (>%d hosts): %s", maxHosts, cidr)
	}

	addr := prefix.Masked().Addr()
	skipEdges := bits < 31
	if skipEdges {
		addr = addr.Next()
	}

	var ips []string
	for prefix.Contains(addr) {
		ips = append(ips, addr.String())
		addr = addr.Next()
	}
	if skipEdges && len(ips) > 0 {
		ips = ips[:len(ips)-1]
	}
	return ips, nil
}

func expandRange(rangeStr string) ([]string, error) {
	startStr, endStr, _ := strings.Cut(rangeStr, "-")
	start, err := netip.ParseAddr(strings.TrimSpace(startStr))
	if err != nil {
		return nil, fmt.Errorf("invalid start IP in range: %w", err)
	}
	end, err := netip.ParseAddr(strings.TrimSpace(endStr))
	if err != nil {
		return nil, fmt.Errorf("invalid end IP in range: %w", err)
	}
	if start.Compare(end) > 0 {
		return nil, fmt.Errorf("start IP must be <= end IP: %s > %s", start, end)
	}

	var ips []string
	for current := start; ; current = current.Next() {
		ips = append(ips, current.String())
		if len(ips) > maxHosts {
			return nil, fmt.Errorf("IP range too large (>%d hosts): %s", maxHosts, rangeStr)
		}
		if current == end {
			break
		}
	}
	return ips, nil
}
