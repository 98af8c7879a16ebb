package sshkey

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

// serveSSH runs a minimal ssh server on loopback that accepts only the
// given key and answers every exec request with exit status 0.
func serveSSH(t *testing.T, authorized ssh.PublicKey) int {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), authorized.Marshal()) {
				return nil, nil
			}
			return nil, assert.AnError
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go handleConn(conn, cfg)
		}
	}()

	return ln.Addr().(*net.TCPAddr).Port
}

func handleConn(conn net.Conn, cfg *ssh.ServerConfig) {
	sc, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		conn.Close()
		return
	}
	defer sc.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "only sessions")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			return
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				_ = req.Reply(true, nil)
				status := struct{ Status uint32 }{0}
				_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(&status))
				return
			}
		}()
	}
}

func TestProber_Success(t *testing.T) {
	kp, err := Generate(t.TempDir(), "")
	require.NoError(t, err)
	port := serveSSH(t, kp.Signer.PublicKey())

	p := NewProber(kp, "root")
	assert.NoError(t, p.Probe(context.Background(), "127.0.0.1", port))
}

func TestProber_WildcardHost(t *testing.T) {
	kp, err := Generate(t.TempDir(), "")
	require.NoError(t, err)
	port := serveSSH(t, kp.Signer.PublicKey())

	p := NewProber(kp, "root")
	assert.NoError(t, p.Probe(context.Background(), "0.0.0.0", port))
}

func TestProber_WrongKey(t *testing.T) {
	kp, err := Generate(t.TempDir(), "")
	require.NoError(t, err)
	other, err := Generate(t.TempDir(), "")
	require.NoError(t, err)
	port := serveSSH(t, other.Signer.PublicKey())

	p := NewProber(kp, "root")
	assert.Error(t, p.Probe(context.Background(), "127.0.0.1", port))
}

func TestProber_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	kp, err := Generate(t.TempDir(), "")
	require.NoError(t, err)
	p := &Prober{Signer: kp.Signer, User: "root", Timeout: time.Second}
	assert.Error(t, p.Probe(context.Background(), "127.0.0.1", port))
}
