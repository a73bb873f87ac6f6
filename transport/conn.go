// Package transport implements the UDP socket I/O adapted from the
// teacher's conn.go: platform-portable packet connections that
// recover the destination address a datagram arrived on, needed
// because a listener bound to 0.0.0.0 otherwise can't tell dispatch
// which local address to answer from.
package transport

import (
	"io"
	"net"
	"os"
	"runtime"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Conn is the packet transport dispatch reads datagrams from and
// writes responses to.
type Conn interface {
	ReadPacket() (b []byte, remoteAddr net.Addr, localIP net.IP, err error)
	WritePacket(b []byte, remoteAddr net.Addr) error
	LocalAddr() net.Addr
	Close() error
}

type pconnV4 ipv4.PacketConn

func (c *pconnV4) Close() error      { return c.Conn.Close() }
func (c *pconnV4) LocalAddr() net.Addr { return c.Conn.LocalAddr() }

type pconnV6 ipv6.PacketConn

func (c *pconnV6) Close() error      { return c.Conn.Close() }
func (c *pconnV6) LocalAddr() net.Addr { return c.Conn.LocalAddr() }

var ErrUdpOnly = errors.New("transport: only udp is supported")

// checkV4onX mirrors the teacher's darwin workaround: dual-stack bind
// for a v4 address on macOS silently drops source-address control
// messages, so a v4-looking address is forced onto the v4-only path.
func checkV4onX(address string) (bool, error) {
	if runtime.GOOS != "darwin" {
		return false, nil
	}
	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return false, err
	}
	return addr.IP.To16() == nil, nil
}

// Listen opens a UDP packet connection on address, choosing the v4 or
// v6 control-message path as appropriate.
func Listen(network, address string, logger log.Logger) (Conn, error) {
	isV4, err := checkV4onX(address)
	if err != nil {
		return nil, err
	}
	if isV4 {
		return listenUDP4(address, logger)
	}
	switch network {
	case "udp4":
		return listenUDP4(address, logger)
	case "udp6", "udp":
		return listenUDP6(address, logger)
	}
	return nil, ErrUdpOnly
}

func listenUDP4(localString string, logger log.Logger) (*pconnV4, error) {
	udp, err := net.ListenPacket("udp4", localString)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	p := ipv4.NewPacketConn(udp)
	cf := ipv4.FlagTTL | ipv4.FlagSrc | ipv4.FlagDst | ipv4.FlagInterface
	if err := p.SetControlMessage(cf, true); err != nil {
		if protocolNotSupported(err) {
			level.Warn(logger).Log("msg", "udp source address detection unsupported", "os", runtime.GOOS)
		} else {
			p.Close()
			return nil, err
		}
	}
	return (*pconnV4)(p), nil
}

func listenUDP6(localString string, logger log.Logger) (*pconnV6, error) {
	udp, err := net.ListenPacket("udp", localString)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}
	p := ipv6.NewPacketConn(udp)
	cf := ipv6.FlagSrc | ipv6.FlagDst | ipv6.FlagInterface
	if err := p.SetControlMessage(cf, true); err != nil {
		if protocolNotSupported(err) {
			level.Warn(logger).Log("msg", "udp source address detection unsupported", "os", runtime.GOOS)
		} else {
			p.Close()
			return nil, err
		}
	}
	return (*pconnV6)(p), nil
}

func (p *pconnV4) ReadPacket() (b []byte, remoteAddr net.Addr, localIP net.IP, err error) {
	b = make([]byte, 3000)
	n, cm, remoteAddr, err := p.ReadFrom(b)
	if err == nil {
		b = b[:n]
		if cm != nil {
			localIP = cm.Dst
		}
	}
	return
}

func (p *pconnV6) ReadPacket() (b []byte, remoteAddr net.Addr, localIP net.IP, err error) {
	b = make([]byte, 3000)
	n, cm, remoteAddr, err := p.ReadFrom(b)
	if err == nil {
		b = b[:n]
		if cm != nil {
			localIP = cm.Dst
		}
	}
	return
}

func (p *pconnV4) WritePacket(b []byte, remoteAddr net.Addr) error {
	n, err := p.WriteTo(b, nil, remoteAddr)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

func (p *pconnV6) WritePacket(b []byte, remoteAddr net.Addr) error {
	n, err := p.WriteTo(b, nil, remoteAddr)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

// protocolNotSupported matches platforms (notably darwin) that reject
// the extended control-message flags this package asks for.
func protocolNotSupported(err error) bool {
	switch e := err.(type) {
	case syscall.Errno:
		return e == syscall.EPROTONOSUPPORT || e == syscall.ENOPROTOOPT
	case *os.SyscallError:
		if errno, ok := e.Err.(syscall.Errno); ok {
			return errno == syscall.EPROTONOSUPPORT || errno == syscall.ENOPROTOOPT
		}
	}
	return false
}
