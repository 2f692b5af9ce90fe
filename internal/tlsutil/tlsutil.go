// Package tlsutil builds TLS server configuration from on-disk PEM files.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// NewServerConfig builds a tls.Config for the API server.
//
// serverCertFile/serverKeyFile are the server certificate and private key.
// clientCAFile, when set, is the CA bundle used to verify client
// certificates; requireClientCert then decides whether clients must present
// one (mTLS) or are merely verified when they do.
func NewServerConfig(serverCertFile, serverKeyFile, clientCAFile string, requireClientCert bool) (*tls.Config, error) {
	if serverCertFile == "" || serverKeyFile == "" {
		return nil, fmt.Errorf("server cert and key files must be provided")
	}

	cert, err := tls.LoadX509KeyPair(serverCertFile, serverKeyFile)
	if err != nil {
		return nil, fmt.Errorf("load server cert/key: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if clientCAFile != "" {
		caPEM, err := os.ReadFile(clientCAFile)
		if err != nil {
			return nil, fmt.Errorf("read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("failed to parse client CA bundle")
		}
		cfg.ClientCAs = pool
		if requireClientCert {
			cfg.ClientAuth = tls.RequireAndVerifyClientCert
		} else {
			cfg.ClientAuth = tls.VerifyClientCertIfGiven
		}
	} else if requireClientCert {
		return nil, fmt.Errorf("requireClientCert=true but client CA file not provided")
	}

	return cfg, nil
}
