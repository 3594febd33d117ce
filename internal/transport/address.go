package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	addressPrefix = "service:mgmt:grpc://"
	directoryPart = "/directory/grpc://"
	addressSuffix = "/mgmt"
)

// Address is a listener's service address. Its string form is
//
//	service:mgmt:grpc://host:port/directory/grpc://host:port/mgmt
type Address struct {
	Host string
	Port int
}

func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

func (a Address) String() string {
	hp := a.HostPort()
	return addressPrefix + hp + directoryPart + hp + addressSuffix
}

func (a Address) IsZero() bool {
	return a.Host == "" && a.Port == 0
}

// ParseAddress accepts the full service address or a bare host:port.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Address{}, fmt.Errorf("empty address")
	}
	hp := s
	if strings.HasPrefix(s, addressPrefix) {
		rest := strings.TrimPrefix(s, addressPrefix)
		first, second, ok := strings.Cut(rest, directoryPart)
		if !ok || !strings.HasSuffix(second, addressSuffix) {
			return Address{}, fmt.Errorf("malformed service address %q", s)
		}
		second = strings.TrimSuffix(second, addressSuffix)
		if first != second {
			return Address{}, fmt.Errorf("service address %q names two endpoints", s)
		}
		hp = first
	} else if strings.Contains(s, "://") {
		return Address{}, fmt.Errorf("unsupported address scheme in %q", s)
	}

	host, portStr, err := net.SplitHostPort(hp)
	if err != nil {
		return Address{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return Address{}, fmt.Errorf("invalid port in address %q", s)
	}
	return Address{Host: host, Port: port}, nil
}
