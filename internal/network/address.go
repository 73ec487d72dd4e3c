package network

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Type names a network a Transport can reach.
type Type string

const (
	TypeClear Type = "clear"
	TypeQUIC  Type = "quic"
	TypeTor   Type = "tor"
	TypeMem   Type = "mem"
)

func (t Type) Valid() bool {
	switch t {
	case TypeClear, TypeQUIC, TypeTor, TypeMem:
		return true
	}
	return false
}

// Address identifies a reachable endpoint. It is a comparable value type.
type Address struct {
	Type Type
	Host string
	Port int
}

func NewAddress(t Type, host string, port int) Address {
	return Address{Type: t, Host: host, Port: port}
}

func (a Address) IsZero() bool {
	return a == Address{}
}

func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return string(a.Type) + "://" + a.HostPort()
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*a = Address{}
		return nil
	}
	parsed, err := ParseAddress(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress accepts "type://host:port". A bare "host:port" defaults to clearnet.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	t := TypeClear
	if idx := strings.Index(s, "://"); idx >= 0 {
		t = Type(s[:idx])
		s = s[idx+3:]
	}
	if !t.Valid() {
		return Address{}, fmt.Errorf("unknown transport type %q", t)
	}
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Address{}, fmt.Errorf("bad address %q: %w", s, err)
	}
	if host == "" {
		return Address{}, fmt.Errorf("bad address %q: missing host", s)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("bad port in %q", s)
	}
	return Address{Type: t, Host: host, Port: port}, nil
}

func hostForAddr(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
