package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Backlog is the number of pending connections the kernel queues
const Backlog = 255

// Endpoint is a parsed listening address
type Endpoint struct {
	// Network is "unix" or "tcp"
	Network string
	// Path of the UNIX socket
	Path string
	// Host is empty for all local addresses
	Host string
	// Port is a number or a service name
	Port string
}

// ParseEndpoint parses the listening endpoint:
//
//	/path/to/socket   UNIX domain stream socket
//	host/port         TCP on the address host resolves to
//	port              TCP on all local addresses
//
// port may be a service name from /etc/services.
func ParseEndpoint(s string) (Endpoint, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return Endpoint{}, errors.New("empty listen endpoint")
	case strings.HasPrefix(s, "/"):
		return Endpoint{Network: "unix", Path: s}, nil
	case strings.Contains(s, "/"):
		host, port, _ := strings.Cut(s, "/")
		if port == "" {
			return Endpoint{}, fmt.Errorf("listen endpoint %q: missing port", s)
		}
		return Endpoint{Network: "tcp", Host: host, Port: port}, nil
	default:
		return Endpoint{Network: "tcp", Port: s}, nil
	}
}

func (e Endpoint) String() string {
	switch {
	case e.Network == "unix":
		return e.Path
	case e.Host != "":
		return e.Host + "/" + e.Port
	default:
		return e.Port
	}
}

// Listen opens a stream listener on e with address reuse and a backlog of
// Backlog. A UNIX socket left behind by a dead instance is removed first;
// the socket file is removed again when the listener is closed.
func Listen(ctx context.Context, e Endpoint) (net.Listener, error) {
	switch e.Network {
	case "unix":
		return listenUnix(e.Path)
	case "tcp":
		return listenTCP(ctx, e.Host, e.Port)
	default:
		return nil, fmt.Errorf("unsupported network %q", e.Network)
	}
}

func listenUnix(path string) (net.Listener, error) {
	if err := removeStaleSocket(path); err != nil {
		return nil, err
	}
	ln, err := listenSocket(unix.AF_UNIX, &unix.SockaddrUnix{Name: path}, path)
	if err != nil {
		return nil, fmt.Errorf("could not bind to UNIX socket %s: %w", path, err)
	}
	return &unixListener{Listener: ln, path: path}, nil
}

// removeStaleSocket deletes a socket file nobody accepts on anymore
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}

	conn, err := net.DialTimeout("unix", path, time.Second)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%s is in use by another process", path)
	}
	return os.Remove(path)
}

func listenTCP(ctx context.Context, host, port string) (net.Listener, error) {
	portNum, err := net.DefaultResolver.LookupPort(ctx, "tcp", port)
	if err != nil {
		return nil, fmt.Errorf("unknown port %q: %w", port, err)
	}

	addr := netip.IPv4Unspecified()
	if host != "" {
		addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if err != nil {
			return nil, fmt.Errorf("cannot resolve %q: %w", host, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("no address for %q", host)
		}
		// Prefer IPv4, as MTAs usually connect to 127.0.0.1
		addr = addrs[0].Unmap()
		for _, a := range addrs {
			if a.Unmap().Is4() {
				addr = a.Unmap()
				break
			}
		}
	}

	name := net.JoinHostPort(addr.String(), fmt.Sprint(portNum))
	var ln net.Listener
	if addr.Is4() {
		ln, err = listenSocket(unix.AF_INET, &unix.SockaddrInet4{Port: portNum, Addr: addr.As4()}, name)
	} else {
		ln, err = listenSocket(unix.AF_INET6, &unix.SockaddrInet6{Port: portNum, Addr: addr.As16()}, name)
	}
	if err != nil {
		return nil, fmt.Errorf("could not listen on %s: %w", name, err)
	}
	return ln, nil
}

// listenSocket creates, binds and listens on a raw socket, so that the
// backlog can be chosen, and hands it over to the net package
func listenSocket(family int, sa unix.Sockaddr, name string) (net.Listener, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	if family != unix.AF_UNIX {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			_ = unix.Close(fd)
			return nil, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
		}
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bind: %w", err)
	}
	if err := unix.Listen(fd, Backlog); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	f := os.NewFile(uintptr(fd), name)
	defer func() { _ = f.Close() }()

	// FileListener dups the descriptor
	return net.FileListener(f)
}

// unixListener removes its socket file on Close
type unixListener struct {
	net.Listener
	path string
}

func (l *unixListener) Close() error {
	err := l.Listener.Close()
	if rmErr := os.Remove(l.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) && err == nil {
		err = rmErr
	}
	return err
}
