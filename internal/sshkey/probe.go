package sshkey

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultProbeTimeout bounds a single probe attempt.
const DefaultProbeTimeout = 5 * time.Second

// Prober checks that a sandbox's ssh daemon accepts the installation key by
// running "true" over a real ssh session.
type Prober struct {
	Signer  ssh.Signer
	User    string
	Timeout time.Duration
}

// NewProber returns a Prober authenticating as user with the key pair.
func NewProber(kp *KeyPair, user string) *Prober {
	return &Prober{Signer: kp.Signer, User: user, Timeout: DefaultProbeTimeout}
}

// Probe makes one attempt. It returns nil once the daemon ran the command.
func (p *Prober) Probe(ctx context.Context, host string, port int) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := Dial(ctx, p.Signer, p.User, host, port)
	if err != nil {
		return err
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("opening session on %s: %w", client.RemoteAddr(), err)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() { done <- session.Run("true") }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("running probe on %s: %w", client.RemoteAddr(), err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dial connects to a sandbox's ssh daemon and authenticates with signer.
// ctx bounds the connect and the handshake only; the returned client
// outlives it. Host keys are not checked since every sandbox generates
// its own on first boot.
func Dial(ctx context.Context, signer ssh.Signer, user, host string, port int) (*ssh.Client, error) {
	addr := net.JoinHostPort(DialHost(host), strconv.Itoa(port))
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// DialHost maps wildcard bind addresses to loopback.
func DialHost(host string) string {
	switch host {
	case "", "0.0.0.0":
		return "127.0.0.1"
	case "::":
		return "::1"
	}
	return host
}
