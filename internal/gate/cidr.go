package gate

import (
	"fmt"
	"strconv"
	"strings"

	"tipline-service/internal/errs"
)

// ipv4ToUint32 parses a dotted-quad IPv4 address into its 32-bit integer
// form. Anything else (including IPv6) is rejected.
func ipv4ToUint32(s string) (uint32, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return 0, fmt.Errorf("%w: not an IPv4 address: %s", errs.ErrMalformedInput, s)
	}

	var ip uint32
	for _, part := range parts {
		if part == "" || (len(part) > 1 && part[0] == '0') || len(part) > 3 {
			return 0, fmt.Errorf("%w: bad IPv4 octet: %s", errs.ErrMalformedInput, s)
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 || n > 255 {
			return 0, fmt.Errorf("%w: bad IPv4 octet: %s", errs.ErrMalformedInput, s)
		}
		ip = ip<<8 | uint32(n)
	}
	return ip, nil
}

// cidrContains reports whether candidate falls inside the entry's range by
// masking both 32-bit forms with the prefix-derived mask. IPv4 only; IPv6
// candidates never match a CIDR entry.
func cidrContains(entry, candidate string) bool {
	network, prefixStr, ok := strings.Cut(entry, "/")
	if !ok {
		return false
	}

	prefix, err := strconv.Atoi(prefixStr)
	if err != nil || prefix < 0 || prefix > 32 {
		return false
	}

	netIP, err := ipv4ToUint32(network)
	if err != nil {
		return false
	}
	candIP, err := ipv4ToUint32(candidate)
	if err != nil {
		return false
	}

	if prefix == 0 {
		return true
	}
	mask := ^uint32(0) << (32 - prefix)
	return netIP&mask == candIP&mask
}

// ValidateBlocklistEntry checks that an entry is a bare IPv4 address or an
// IPv4 CIDR range. Used when staff edit the blocklist so bad shapes are
// rejected at write time, not silently skipped at evaluation time.
func ValidateBlocklistEntry(entry string) error {
	if network, prefixStr, ok := strings.Cut(entry, "/"); ok {
		prefix, err := strconv.Atoi(prefixStr)
		if err != nil || prefix < 0 || prefix > 32 {
			return fmt.Errorf("%w: bad CIDR prefix: %s", errs.ErrMalformedInput, entry)
		}
		if _, err := ipv4ToUint32(network); err != nil {
			return err
		}
		return nil
	}
	_, err := ipv4ToUint32(entry)
	return err
}
