package transport

import (
	"net"
	"path/filepath"
	"strings"
)

// Address schemes.
const (
	SchemeTCP    = "tcp"
	SchemeIPC    = "ipc"
	SchemeInproc = "inproc"
	SchemeUDP    = "udp"
)

// Addr is a parsed scheme://endpoint address.
type Addr struct {
	Scheme   string
	Endpoint string
}

func (a Addr) String() string {
	return a.Scheme + "://" + a.Endpoint
}

// ParseAddr splits addr and validates the endpoint for its scheme: host:port
// for tcp and udp, an absolute path for ipc, any non-empty label for inproc.
func ParseAddr(addr string) (Addr, error) {
	scheme, endpoint, ok := strings.Cut(addr, "://")
	if !ok {
		return Addr{}, invalidAddr(addr, "missing scheme")
	}
	if endpoint == "" {
		return Addr{}, invalidAddr(addr, "empty endpoint")
	}

	switch scheme {
	case SchemeTCP, SchemeUDP:
		if _, _, err := net.SplitHostPort(endpoint); err != nil {
			return Addr{}, invalidAddr(addr, err.Error())
		}
	case SchemeIPC:
		if !filepath.IsAbs(endpoint) {
			return Addr{}, invalidAddr(addr, "ipc path must be absolute")
		}
	case SchemeInproc:
	default:
		return Addr{}, invalidAddr(addr, "unknown scheme "+scheme)
	}
	return Addr{Scheme: scheme, Endpoint: endpoint}, nil
}

// network maps a stream scheme to its net package network name.
func (a Addr) network() string {
	switch a.Scheme {
	case SchemeIPC:
		return "unix"
	default:
		return a.Scheme
	}
}
