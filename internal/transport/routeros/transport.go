// Package routeros talks to MikroTik RouterOS over SSH. It reads a full
// device snapshot with CLI print commands and pushes PPPoE secret changes.
package routeros

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"accessgrid/core-go/internal/device"
	"accessgrid/core-go/internal/transport/snmp"
)

// Resolver turns a device hostname into an address.
type Resolver interface {
	Resolve(ctx context.Context, host string) (string, error)
}

// CounterSource supplies 64-bit interface counters keyed by interface name.
type CounterSource interface {
	InterfaceCounters(ctx context.Context, address, community string) (map[string]snmp.Counters, error)
}

type Config struct {
	DialTimeout    time.Duration
	CommandTimeout time.Duration
	// KnownHostsFile pins router host keys. Empty accepts any key.
	KnownHostsFile string

	Resolver Resolver
	Counters CounterSource
}

type Transport struct {
	log     zerolog.Logger
	cfg     Config
	hostKey ssh.HostKeyCallback

	mu    sync.Mutex
	conns map[string]*conn
}

type conn struct {
	client *ssh.Client
	// ident changes when the device address or credentials change.
	ident string
}

func New(log zerolog.Logger, cfg Config) (*Transport, error) {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 20 * time.Second
	}
	hostKey := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsFile != "" {
		cb, err := knownhosts.New(cfg.KnownHostsFile)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	}
	return &Transport{
		log:     log,
		cfg:     cfg,
		hostKey: hostKey,
		conns:   map[string]*conn{},
	}, nil
}

// FetchSnapshot reads resources, health, interfaces, addresses, pools and
// PPPoE secrets in one pass. Any transport failure or unparseable answer is
// returned as a *device.TransportError.
func (t *Transport) FetchSnapshot(ctx context.Context, target device.Target) (*device.Snapshot, error) {
	client, host, err := t.client(ctx, target)
	if err != nil {
		return nil, wrap(target.ID, "connect", err)
	}
	rtt, err := roundTrip(ctx, client)
	if err != nil {
		t.drop(target.ID)
		return nil, wrap(target.ID, "keepalive", err)
	}

	snap := &device.Snapshot{DeviceID: target.ID, RoundTrip: rtt}

	out, err := t.run(ctx, target, client, cmdResource)
	if err != nil {
		return nil, wrap(target.ID, "resource", err)
	}
	if snap.Resources, err = parseResources(out); err != nil {
		return nil, wrap(target.ID, "resource", err)
	}

	out, err = t.run(ctx, target, client, cmdHealth)
	if err != nil {
		return nil, wrap(target.ID, "health", err)
	}
	if snap.Health, err = parseHealth(out); err != nil {
		// Not every board has sensors; a missing health menu is not a fault.
		t.log.Debug().Err(err).Str("device_id", target.ID).Msg("health output ignored")
	}

	list, err := t.run(ctx, target, client, cmdInterfaces)
	if err != nil {
		return nil, wrap(target.ID, "interfaces", err)
	}
	stats, err := t.run(ctx, target, client, cmdIfStats)
	if err != nil {
		return nil, wrap(target.ID, "interface stats", err)
	}
	snap.ObservedAt = time.Now()
	if snap.Interfaces, err = parseInterfaces(list, stats); err != nil {
		return nil, wrap(target.ID, "interfaces", err)
	}

	out, err = t.run(ctx, target, client, cmdAddresses)
	if err != nil {
		return nil, wrap(target.ID, "addresses", err)
	}
	if snap.Addresses, err = parseAddresses(out); err != nil {
		return nil, wrap(target.ID, "addresses", err)
	}

	out, err = t.run(ctx, target, client, cmdPools)
	if err != nil {
		return nil, wrap(target.ID, "pools", err)
	}
	if snap.Pools, err = parsePools(out); err != nil {
		return nil, wrap(target.ID, "pools", err)
	}

	out, err = t.run(ctx, target, client, cmdSecrets)
	if err != nil {
		return nil, wrap(target.ID, "secrets", err)
	}
	if snap.Secrets, err = parseSecrets(out); err != nil {
		return nil, wrap(target.ID, "secrets", err)
	}

	t.mergeCounters(ctx, target, host, snap)
	return snap, nil
}

// ApplyAccountOp pushes one secret change. RouterOS prints nothing on success,
// so any output is treated as a rejection.
func (t *Transport) ApplyAccountOp(ctx context.Context, target device.Target, op device.AccountOp) error {
	cmds, err := accountCommands(op)
	if err != nil {
		return err
	}
	client, _, err := t.client(ctx, target)
	if err != nil {
		return wrap(target.ID, "connect", err)
	}
	for _, cmd := range cmds {
		out, err := t.run(ctx, target, client, cmd)
		if err != nil {
			return wrap(target.ID, string(op.Kind), err)
		}
		if msg := strings.TrimSpace(out); msg != "" {
			t.log.Warn().
				Str("device_id", target.ID).
				Str("command", redact(cmd)).
				Str("output", msg).
				Msg("router rejected command")
			return &device.TransportError{
				Kind:     device.KindProtocol,
				DeviceID: target.ID,
				Op:       string(op.Kind) + " " + op.Username,
				Err:      errors.New(firstLine(msg)),
			}
		}
	}
	return nil
}

// Forget closes the cached connection for a device.
func (t *Transport) Forget(deviceID string) { t.drop(deviceID) }

func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var errs []error
	for id, c := range t.conns {
		if err := c.client.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		delete(t.conns, id)
	}
	return errors.Join(errs...)
}

func (t *Transport) mergeCounters(ctx context.Context, target device.Target, host string, snap *device.Snapshot) {
	if t.cfg.Counters == nil || target.SNMPCommunity == "" {
		return
	}
	counters, err := t.cfg.Counters.InterfaceCounters(ctx, host, target.SNMPCommunity)
	if err != nil {
		t.log.Warn().Err(err).Str("device_id", target.ID).Msg("snmp counters unavailable, using cli counters")
		return
	}
	for i := range snap.Interfaces {
		c, ok := counters[snap.Interfaces[i].Name]
		if !ok {
			continue
		}
		ifc := &snap.Interfaces[i]
		ifc.RxBytes, ifc.TxBytes = c.RxBytes, c.TxBytes
		ifc.RxPackets, ifc.TxPackets = c.RxPackets, c.TxPackets
	}
}

// client returns the cached SSH client for the device, dialing when there is
// none or the device's address or credentials changed.
func (t *Transport) client(ctx context.Context, target device.Target) (*ssh.Client, string, error) {
	host := target.Host
	if t.cfg.Resolver != nil {
		addr, err := t.cfg.Resolver.Resolve(ctx, host)
		if err != nil {
			return nil, "", &device.TransportError{Kind: device.KindUnreachable, DeviceID: target.ID, Op: "resolve", Err: err}
		}
		host = addr
	}
	port := target.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	ident := addr + "\x00" + target.Username + "\x00" + target.Password

	t.mu.Lock()
	if c, ok := t.conns[target.ID]; ok {
		if c.ident == ident {
			t.mu.Unlock()
			return c.client, host, nil
		}
		_ = c.client.Close()
		delete(t.conns, target.ID)
	}
	t.mu.Unlock()

	client, err := t.dial(ctx, addr, target)
	if err != nil {
		return nil, "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[target.ID]; ok && c.ident == ident {
		_ = client.Close()
		return c.client, host, nil
	}
	t.conns[target.ID] = &conn{client: client, ident: ident}
	return client, host, nil
}

func (t *Transport) dial(ctx context.Context, addr string, target device.Target) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: target.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(target.Password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = target.Password
				}
				return answers, nil
			}),
		},
		HostKeyCallback: t.hostKey,
		Timeout:         t.cfg.DialTimeout,
	}

	d := net.Dialer{Timeout: t.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(t.cfg.DialTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	_ = nc.SetDeadline(deadline)
	cc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		_ = nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	return ssh.NewClient(cc, chans, reqs), nil
}

func (t *Transport) drop(deviceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.conns[deviceID]; ok {
		_ = c.client.Close()
		delete(t.conns, deviceID)
	}
}

type runResult struct {
	out []byte
	err error
}

// run executes one command in a fresh session. A failed or timed out session
// drops the cached connection so the next call redials.
func (t *Transport) run(ctx context.Context, target device.Target, client *ssh.Client, cmd string) (string, error) {
	sess, err := client.NewSession()
	if err != nil {
		t.drop(target.ID)
		return "", fmt.Errorf("new session: %w", err)
	}
	defer sess.Close()

	ctx, cancel := context.WithTimeout(ctx, t.cfg.CommandTimeout)
	defer cancel()

	done := make(chan runResult, 1)
	go func() {
		out, err := sess.CombinedOutput(cmd)
		done <- runResult{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		_ = sess.Close()
		t.drop(target.ID)
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			var exit *ssh.ExitError
			if errors.As(r.err, &exit) {
				return "", fmt.Errorf("%s: exit %d: %s", redact(cmd), exit.ExitStatus(), firstLine(string(r.out)))
			}
			t.drop(target.ID)
			return "", r.err
		}
		return string(r.out), nil
	}
}

// roundTrip times a keepalive request on the open connection.
func roundTrip(ctx context.Context, client *ssh.Client) (time.Duration, error) {
	done := make(chan error, 1)
	start := time.Now()
	go func() {
		_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case err := <-done:
		if err != nil {
			return 0, err
		}
		return time.Since(start), nil
	}
}

func wrap(deviceID, op string, err error) error {
	if err != nil && strings.Contains(err.Error(), "unable to authenticate") {
		return &device.TransportError{Kind: device.KindAuth, DeviceID: deviceID, Op: op, Err: err}
	}
	return device.WrapTransport(deviceID, op, err)
}
