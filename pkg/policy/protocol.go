package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"time"
)

// ReadOptions bounds how a request is read
type ReadOptions struct {
	// Timeout applies to every single read
	Timeout time.Duration
	// ChunkSize is the step by which the receive buffer grows
	ChunkSize int
	// MaxSize caps the request; 0 means no cap
	MaxSize int
}

// DefaultReadOptions returns the limits used when none are configured
func DefaultReadOptions() ReadOptions {
	return ReadOptions{
		Timeout:   10 * time.Second,
		ChunkSize: 1024,
		MaxSize:   64 * 1024,
	}
}

var (
	lfTerminator   = []byte("\n\n")
	crlfTerminator = []byte("\r\n\r\n")
)

// ReadRequest reads one policy request from conn. It returns once a blank
// line arrived. If the peer closes the connection or stops sending for
// Timeout after some data was received, that data is returned as the
// request; without data this is an error.
func ReadRequest(conn net.Conn, opts ReadOptions) ([]byte, error) {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1024
	}
	buf := make([]byte, 0, opts.ChunkSize)

	for {
		want := opts.ChunkSize
		if opts.MaxSize > 0 {
			if len(buf) >= opts.MaxSize {
				return nil, ErrRequestTooLarge
			}
			want = min(want, opts.MaxSize-len(buf))
		}
		if cap(buf)-len(buf) < want {
			grown := make([]byte, len(buf), len(buf)+opts.ChunkSize)
			copy(grown, buf)
			buf = grown
		}

		if opts.Timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(opts.Timeout)); err != nil {
				return nil, fmt.Errorf("set read deadline: %w", err)
			}
		}
		n, err := conn.Read(buf[len(buf) : len(buf)+want])
		buf = buf[:len(buf)+n]

		if complete(buf) {
			return buf, nil
		}
		if err == nil {
			continue
		}

		timeout := errors.Is(err, os.ErrDeadlineExceeded)
		if errors.Is(err, io.EOF) || timeout {
			if len(buf) > 0 {
				// Some clients close without sending the blank line
				return buf, nil
			}
			if timeout {
				return nil, ErrReadTimeout
			}
			return nil, ErrEmptyRequest
		}
		return nil, fmt.Errorf("read request: %w", err)
	}
}

// complete reports whether buf contains the terminating blank line
func complete(buf []byte) bool {
	return bytes.Contains(buf, lfTerminator) || bytes.Contains(buf, crlfTerminator)
}

// Request is one parsed policy request
type Request struct {
	Raw      []byte
	Client   netip.Addr
	Reversed string
}

// ParseRequest extracts the client address from a raw request
func ParseRequest(raw []byte) (*Request, error) {
	addr, err := ParseClientAddress(raw)
	if err != nil {
		return nil, err
	}
	return &Request{
		Raw:      raw,
		Client:   addr,
		Reversed: ReverseIPv4(addr),
	}, nil
}

var clientAddressKey = []byte("client_address=")

// ParseClientAddress returns the value of the client_address attribute.
// The line must be terminated by '\r' or '\n' and hold a dotted-quad IPv4
// address.
func ParseClientAddress(raw []byte) (netip.Addr, error) {
	rest := raw
	for len(rest) > 0 {
		line := rest
		if i := bytes.IndexByte(rest, '\n'); i >= 0 {
			line, rest = rest[:i+1], rest[i+1:]
		} else {
			rest = nil
		}

		// Anchored at the line start so that keys such as xclient_address
		// never match
		value, ok := bytes.CutPrefix(line, clientAddressKey)
		if !ok {
			continue
		}
		end := bytes.IndexAny(value, "\r\n")
		if end < 0 {
			return netip.Addr{}, ErrNoClientAddress
		}

		addr, err := netip.ParseAddr(string(value[:end]))
		if err != nil || !addr.Is4() {
			return netip.Addr{}, fmt.Errorf("%w: %q", ErrInvalidClientAddress, value[:end])
		}
		return addr, nil
	}
	return netip.Addr{}, ErrNoClientAddress
}

// ReverseIPv4 returns the octets of addr in reverse order, the prefix of a
// blocklist query name ("1.2.3.4" becomes "4.3.2.1")
func ReverseIPv4(addr netip.Addr) string {
	a := addr.As4()
	return fmt.Sprintf("%d.%d.%d.%d", a[3], a[2], a[1], a[0])
}
