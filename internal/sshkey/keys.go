package sshkey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"golang.org/x/crypto/ssh"

	"github.com/zpdzap/redock/internal/logging"
)

// File names inside the key directory.
const (
	PrivateKeyFile = "id_ed25519"
	PublicKeyFile  = "id_ed25519.pub"
)

// KeyPair is the installation key pair. Every sandbox authorizes the public
// half; the private half is referenced from the ssh config fragments.
type KeyPair struct {
	PrivatePath string
	PublicPath  string
	Signer      ssh.Signer
}

// AuthorizedKey returns the public key in authorized_keys format, without
// the trailing newline.
func (k *KeyPair) AuthorizedKey() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(k.Signer.PublicKey())))
}

// Fingerprint returns the SHA256 fingerprint of the public key.
func (k *KeyPair) Fingerprint() string {
	return ssh.FingerprintSHA256(k.Signer.PublicKey())
}

// Paths returns the private and public key paths inside dir.
func Paths(dir string) (private, public string, err error) {
	private, err = securejoin.SecureJoin(dir, PrivateKeyFile)
	if err != nil {
		return "", "", err
	}
	public, err = securejoin.SecureJoin(dir, PublicKeyFile)
	if err != nil {
		return "", "", err
	}
	return private, public, nil
}

// Ensure loads the key pair from dir, generating it on first use.
func Ensure(dir, comment string) (*KeyPair, error) {
	kp, err := Load(dir)
	if err == nil {
		logging.Debug("using existing ssh key pair", "path", kp.PrivatePath)
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}
	return Generate(dir, comment)
}

// Load reads an existing key pair from dir. The error satisfies
// os.IsNotExist when no private key has been generated yet.
func Load(dir string) (*KeyPair, error) {
	private, public, err := Paths(dir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(private)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", private, err)
	}
	return &KeyPair{PrivatePath: private, PublicPath: public, Signer: signer}, nil
}

// Generate creates a fresh ed25519 key pair in dir, overwriting any
// existing one.
func Generate(dir, comment string) (*KeyPair, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	private, public, err := Paths(dir)
	if err != nil {
		return nil, err
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, fmt.Errorf("encoding private key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("loading private key: %w", err)
	}

	if err := os.WriteFile(private, pem.EncodeToMemory(block), 0600); err != nil {
		return nil, fmt.Errorf("writing private key: %w", err)
	}
	pub := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	if comment != "" {
		pub += " " + comment
	}
	if err := os.WriteFile(public, []byte(pub+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("writing public key: %w", err)
	}

	logging.Info("generated ssh key pair", "path", private)
	return &KeyPair{PrivatePath: private, PublicPath: public, Signer: signer}, nil
}
