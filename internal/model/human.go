// human readable and writable stdlib types
// which can be used inside config file
package model

import (
	"errors"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"
)

// Duration is a time.Duration written as a Go duration string ("30s", "1m30s").
// Zero means no timeout.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalText(text []byte) error {
	if d == nil {
		return errors.New("can't unmarshal to nil")
	}
	parsed, err := time.ParseDuration(os.ExpandEnv(string(text)))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return errors.New("duration must not be negative")
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// ListenAddrPort parses host as an IP address and joins it with port.
// An empty host means all IPv4 interfaces.
func ListenAddrPort(host string, port int) (netip.AddrPort, error) {
	if host == "" {
		host = "0.0.0.0"
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.AddrPort{}, errors.Join(ErrInvalidAddress, err)
	}
	if port < 0 || port > 65535 {
		return netip.AddrPort{}, errors.Join(ErrInvalidAddress, errors.New("port out of range: "+strconv.Itoa(port)))
	}
	return netip.AddrPortFrom(addr.Unmap(), uint16(port)), nil
}

// DialAddr returns host:port for net.Dial. Unlike ListenAddrPort the host may
// be a name.
func DialAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}
