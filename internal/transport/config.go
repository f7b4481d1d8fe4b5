package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	alpn = "peer-drop/1"

	handshakeTimeout = 5 * time.Second
	identityLifetime = 30 * 24 * time.Hour
)

// Every transfer opens its own transport, so the process signs one identity
// and shares it. Peers are not authenticated; the certificate only exists
// because QUIC requires TLS.
var processIdentity = sync.OnceValues(newIdentity)

// DefaultQUICConfig keeps idle control connections alive and lets a single
// data stream use a large flow control window for bulk file bytes.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout:       handshakeTimeout,
		KeepAlivePeriod:            10 * time.Second,
		MaxIdleTimeout:             30 * time.Second,
		MaxStreamReceiveWindow:     16 << 20,
		MaxConnectionReceiveWindow: 24 << 20,
	}
}

func DefaultTLSConfig() (*tls.Config, error) {
	cert, err := processIdentity()
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{alpn},
	}, nil
}

func newIdentity() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	template := &x509.Certificate{
		DNSNames:     []string{"peer-drop.local"},
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		NotAfter:     now.Add(identityLifetime),
		NotBefore:    now.Add(-time.Minute),
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "peer-drop"},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
