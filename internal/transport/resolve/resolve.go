// Package resolve turns device hostnames into addresses, optionally against a
// dedicated nameserver, and caches answers for their TTL.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
)

var ErrNoAddress = errors.New("no address records")

type Config struct {
	// Nameserver is host:port. Empty uses the system resolver.
	Nameserver string
	Timeout    time.Duration
	// MaxTTL caps how long an answer is reused.
	MaxTTL time.Duration
}

type entry struct {
	addr    string
	expires time.Time
}

type Resolver struct {
	cfg    Config
	client *dns.Client
	now    func() time.Time

	mu    sync.Mutex
	cache map[string]entry
}

func New(cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = 5 * time.Minute
	}
	if cfg.Nameserver != "" {
		if _, _, err := net.SplitHostPort(cfg.Nameserver); err != nil {
			cfg.Nameserver = net.JoinHostPort(cfg.Nameserver, "53")
		}
	}
	return &Resolver{
		cfg:    cfg,
		client: &dns.Client{Net: "udp", Timeout: cfg.Timeout},
		now:    time.Now,
		cache:  map[string]entry{},
	}
}

// Resolve returns an address for host. IP literals are returned unchanged;
// IPv4 answers are preferred over IPv6.
func (r *Resolver) Resolve(ctx context.Context, host string) (string, error) {
	host = strings.TrimSpace(host)
	if _, err := netip.ParseAddr(host); err == nil {
		return host, nil
	}
	key := strings.ToLower(dns.Fqdn(host))

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && r.now().Before(e.expires) {
		r.mu.Unlock()
		return e.addr, nil
	}
	r.mu.Unlock()

	var (
		addr string
		ttl  time.Duration
		err  error
	)
	if r.cfg.Nameserver == "" {
		addr, err = r.system(ctx, host)
		ttl = r.cfg.MaxTTL
	} else {
		addr, ttl, err = r.query(ctx, key)
	}
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", host, err)
	}

	if ttl > r.cfg.MaxTTL {
		ttl = r.cfg.MaxTTL
	}
	r.mu.Lock()
	r.cache[key] = entry{addr: addr, expires: r.now().Add(ttl)}
	r.mu.Unlock()
	return addr, nil
}

func (r *Resolver) system(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return "", err
	}
	return pick(addrs)
}

func (r *Resolver) query(ctx context.Context, fqdn string) (string, time.Duration, error) {
	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		m := new(dns.Msg)
		m.SetQuestion(fqdn, qtype)
		m.RecursionDesired = true

		in, _, err := r.client.ExchangeContext(ctx, m, r.cfg.Nameserver)
		if err != nil {
			return "", 0, err
		}
		if in.Rcode != dns.RcodeSuccess {
			if in.Rcode == dns.RcodeNameError {
				return "", 0, fmt.Errorf("%w: %s", ErrNoAddress, dns.RcodeToString[in.Rcode])
			}
			continue
		}
		for _, rr := range in.Answer {
			ttl := time.Duration(rr.Header().Ttl) * time.Second
			switch v := rr.(type) {
			case *dns.A:
				return v.A.String(), ttl, nil
			case *dns.AAAA:
				return v.AAAA.String(), ttl, nil
			}
		}
	}
	return "", 0, ErrNoAddress
}

func pick(addrs []netip.Addr) (string, error) {
	var v6 string
	for _, a := range addrs {
		a = a.Unmap()
		if a.Is4() {
			return a.String(), nil
		}
		if v6 == "" {
			v6 = a.String()
		}
	}
	if v6 == "" {
		return "", ErrNoAddress
	}
	return v6, nil
}
