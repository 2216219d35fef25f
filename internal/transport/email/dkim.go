package email

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/emersion/go-msgauth/dkim"
)

// Signer adds a DKIM-Signature header for one domain and selector
type Signer struct {
	key      *rsa.PrivateKey
	domain   string
	selector string
}

// NewSigner creates a DKIM signer
func NewSigner(key *rsa.PrivateKey, domain, selector string) *Signer {
	return &Signer{key: key, domain: domain, selector: selector}
}

// NewSignerFromFile loads a PEM key and creates a DKIM signer
func NewSignerFromFile(path, domain, selector string) (*Signer, error) {
	key, err := LoadKey(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load DKIM key: %w", err)
	}
	return NewSigner(key, domain, selector), nil
}

// Sign returns message with a relaxed/relaxed SHA-256 signature prepended
func (s *Signer) Sign(message []byte) ([]byte, error) {
	opts := &dkim.SignOptions{
		Domain:                 s.domain,
		Selector:               s.selector,
		Signer:                 s.key,
		Hash:                   crypto.SHA256,
		HeaderCanonicalization: dkim.CanonicalizationRelaxed,
		BodyCanonicalization:   dkim.CanonicalizationRelaxed,
	}

	var out bytes.Buffer
	if err := dkim.Sign(&out, bytes.NewReader(message), opts); err != nil {
		return nil, fmt.Errorf("failed to sign message: %w", err)
	}
	return out.Bytes(), nil
}

// Domain returns the signing domain
func (s *Signer) Domain() string {
	return s.domain
}

// Selector returns the signing selector
func (s *Signer) Selector() string {
	return s.selector
}

// GenerateKey creates a 2048-bit RSA signing key
func GenerateKey() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return key, nil
}

// SaveKey writes key as a PKCS#1 PEM file readable only by the owner
func SaveKey(key *rsa.PrivateKey, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// LoadKey reads a PKCS#1 or PKCS#8 RSA key from a PEM file
func LoadKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, err
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("key is not RSA")
		}
		return rsaKey, nil
	}
	return nil, fmt.Errorf("unsupported key type: %s", block.Type)
}

// DNSRecord returns the TXT record name and value publishing key's
// public half for selector and domain.
func DNSRecord(key *rsa.PrivateKey, domain, selector string) (name, value string, err error) {
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	name = fmt.Sprintf("%s._domainkey.%s", selector, domain)
	value = "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub)
	return name, value, nil
}
