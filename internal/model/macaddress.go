package model

import (
	"fmt"
	"strconv"
	"strings"
)

// MacAddress is a six-octet hardware address, used to target wake-on-LAN
// magic packets at sleeping builders.
type MacAddress [6]byte

// ParseMacAddress parses a colon-separated hex address like
// "00:11:22:33:44:55". Anything other than exactly six octets is an error.
func ParseMacAddress(s string) (MacAddress, error) {
	var addr MacAddress
	parts := strings.Split(s, ":")
	if len(parts) != len(addr) {
		return addr, fmt.Errorf("malformed MAC address %q: want 6 colon-separated octets", s)
	}
	for i, part := range parts {
		b, err := strconv.ParseUint(part, 16, 8)
		if err != nil {
			return addr, fmt.Errorf("malformed MAC address %q: %w", s, err)
		}
		addr[i] = byte(b)
	}
	return addr, nil
}

// String renders the address as colon-separated lower-case hex.
func (a MacAddress) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", a[0], a[1], a[2], a[3], a[4], a[5])
}

// MarshalText implements encoding.TextMarshaler.
func (a MacAddress) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *MacAddress) UnmarshalText(text []byte) error {
	parsed, err := ParseMacAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
