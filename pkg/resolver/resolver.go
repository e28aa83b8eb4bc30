// Package resolver performs the DNS membership checks against blocklists.
//
// A client is listed on a blocklist when an A query for the reversed client
// address under the list's zone returns an address in 127.0.0.0/8.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"rbl-policyd/pkg/config"
	"rbl-policyd/pkg/logging"

	"github.com/miekg/dns"
)

// Outcome is the result of one blocklist lookup
type Outcome int

const (
	// NotMatched means the list answered but does not list the client
	NotMatched Outcome = iota
	// Matched means the list returned a 127.0.0.0/8 address
	Matched
	// LookupFailed covers NXDOMAIN, SERVFAIL, timeouts and transport errors.
	// Scoring treats it like NotMatched.
	LookupFailed
)

func (o Outcome) String() string {
	switch o {
	case Matched:
		return "matched"
	case NotMatched:
		return "not_matched"
	case LookupFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

var (
	// ErrNXDomain is returned for names that do not exist, the normal answer
	// for an unlisted client
	ErrNXDomain = errors.New("no such domain")

	// ErrNoUpstreams is returned when no upstream could be tried
	ErrNoUpstreams = errors.New("no upstream DNS servers")
)

// QueryName builds the lookup name for a reversed client prefix on a list
func QueryName(reversed, domain string) string {
	return reversed + "." + domain
}

// Resolver answers blocklist lookups through a set of upstream servers
type Resolver struct {
	upstreams []string
	index     atomic.Uint32
	timeout   time.Duration
	retries   int
	logger    *logging.Logger

	udp *dns.Client
	tcp *dns.Client

	// system is used when neither upstreams nor resolv.conf are usable
	system *net.Resolver
}

// New creates a resolver. Configured upstreams take precedence; otherwise
// the name servers of cfg.ResolvConf are used, and if that file cannot be
// read the host resolver.
func New(cfg *config.ResolverConfig, logger *logging.Logger) *Resolver {
	r := &Resolver{
		timeout: cfg.Timeout,
		retries: cfg.Retries,
		logger:  logger,
	}
	if r.timeout <= 0 {
		r.timeout = 2 * time.Second
	}
	if r.retries <= 0 {
		r.retries = 1
	}

	upstreams := cfg.Upstreams
	if len(upstreams) == 0 && cfg.ResolvConf != "" {
		cc, err := dns.ClientConfigFromFile(cfg.ResolvConf)
		if err != nil {
			logger.Warn("Cannot read resolver configuration, using system resolver",
				"path", cfg.ResolvConf,
				"error", err,
			)
		} else {
			for _, s := range cc.Servers {
				upstreams = append(upstreams, net.JoinHostPort(s, cc.Port))
			}
		}
	}

	// Normalize upstream addresses (add :53 if port is missing)
	for _, upstream := range upstreams {
		if _, _, err := net.SplitHostPort(upstream); err != nil {
			upstream = net.JoinHostPort(upstream, "53")
		}
		r.upstreams = append(r.upstreams, upstream)
	}

	if len(r.upstreams) == 0 {
		r.system = net.DefaultResolver
		logger.Warn("No upstream DNS servers configured, using system default resolver")
	} else {
		logger.Info("DNS resolver initialized",
			"upstreams", r.upstreams,
			"timeout", r.timeout,
			"retries", r.retries,
		)
	}

	r.udp = &dns.Client{Net: "udp", Timeout: r.timeout}
	r.tcp = &dns.Client{Net: "tcp", Timeout: r.timeout}
	return r
}

// Lookup queries the A records of name. The error explains a LookupFailed
// outcome and is nil otherwise.
func (r *Resolver) Lookup(ctx context.Context, name string) (Outcome, error) {
	var (
		addrs []net.IP
		err   error
	)
	if r.system != nil {
		addrs, err = r.lookupSystem(ctx, name)
	} else {
		addrs, err = r.lookupUpstream(ctx, name)
	}
	if err != nil {
		return LookupFailed, err
	}

	for _, ip := range addrs {
		if v4 := ip.To4(); v4 != nil && v4[0] == 127 {
			return Matched, nil
		}
	}
	return NotMatched, nil
}

// lookupUpstream tries up to retries upstreams in round-robin order
func (r *Resolver) lookupUpstream(ctx context.Context, name string) ([]net.IP, error) {
	if len(r.upstreams) == 0 {
		return nil, ErrNoUpstreams
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)

	attempts := r.retries
	var lastErr error

	for i := 0; i < attempts; i++ {
		upstream := r.selectUpstream()

		resp, rtt, err := r.udp.ExchangeContext(ctx, m, upstream)
		if err == nil && resp != nil && resp.Truncated {
			resp, rtt, err = r.tcp.ExchangeContext(ctx, m, upstream)
		}
		if err != nil {
			r.logger.Debug("Upstream query failed",
				"upstream", upstream,
				"name", name,
				"error", err,
				"attempt", i+1,
			)
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		if resp == nil {
			lastErr = fmt.Errorf("received nil response from %s", upstream)
			continue
		}

		switch resp.Rcode {
		case dns.RcodeSuccess:
			r.logger.Debug("Upstream query succeeded",
				"upstream", upstream,
				"name", name,
				"rtt", rtt,
				"answers", len(resp.Answer),
			)
			var ips []net.IP
			for _, rr := range resp.Answer {
				if a, ok := rr.(*dns.A); ok {
					ips = append(ips, a.A)
				}
			}
			return ips, nil
		case dns.RcodeNameError:
			return nil, ErrNXDomain
		default:
			lastErr = fmt.Errorf("upstream %s returned %s", upstream, dns.RcodeToString[resp.Rcode])
		}
	}

	return nil, fmt.Errorf("all upstream servers failed: %w", lastErr)
}

// lookupSystem resolves through the host resolver
func (r *Resolver) lookupSystem(ctx context.Context, name string) ([]net.IP, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(r.retries))
	defer cancel()

	ips, err := r.system.LookupIP(ctx, "ip4", name)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, ErrNXDomain
		}
		return nil, err
	}
	return ips, nil
}

// selectUpstream selects an upstream server using round-robin
func (r *Resolver) selectUpstream() string {
	idx := r.index.Add(1) - 1
	return r.upstreams[idx%uint32(len(r.upstreams))]
}

// Upstreams returns the servers queried, empty when the host resolver is used
func (r *Resolver) Upstreams() []string {
	return r.upstreams
}
