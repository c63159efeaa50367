package tracker

import (
	"context"
	"errors"
	"net"
	"strconv"
)

// ResolveHost resolves addr (host:port) to an IPv4 address and port, as
// required by the UDP tracker transport's wire format, which only knows how
// to address IPv4 endpoints.
func ResolveHost(ctx context.Context, addr string) (net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, 0, err
	}
	ip := net.ParseIP(host)
	if ip != nil {
		i4 := ip.To4()
		if i4 != nil {
			return i4, port, nil
		}
		return nil, 0, errors.New("ipv6 is not supported")
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, 0, err
	}
	for _, ia := range addrs {
		if i4 := ia.IP.To4(); i4 != nil {
			return i4, port, nil
		}
	}
	return nil, 0, errors.New("not ipv4 address")
}
