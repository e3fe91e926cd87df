package server

import (
	"crypto/tls"
	"fmt"
)

// TLS protocol versions accepted by LoadTLSConfig.
const (
	TLSVersion12 = "1.2"
	TLSVersion13 = "1.3"
)

// LoadTLSConfig loads a certificate and key pair from PEM files. An empty
// minVersion means TLS 1.2.
func LoadTLSConfig(certFile, keyFile, minVersion string) (*tls.Config, error) {
	version, err := parseTLSVersion(minVersion)
	if err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   version,
	}, nil
}

func parseTLSVersion(v string) (uint16, error) {
	switch v {
	case "", TLSVersion12:
		return tls.VersionTLS12, nil
	case TLSVersion13:
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", v)
	}
}
