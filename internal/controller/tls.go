package controller

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/probeops/warden/internal/config"
)

// buildTransport returns an HTTP transport honoring the optional TLS
// block: a private CA bundle for the controller and a client certificate
// when the controller requires mutual TLS. An empty block yields the
// default transport.
func buildTransport(cfg config.TLSConfig) (*http.Transport, error) {
	if cfg.CACert == "" && cfg.ClientCert == "" {
		return http.DefaultTransport.(*http.Transport).Clone(), nil
	}

	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", cfg.CACert)
		}
		tlsConfig.RootCAs = pool
	}

	if cfg.ClientCert != "" {
		if cfg.ClientKey == "" {
			return nil, fmt.Errorf("client certificate requires client key")
		}
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
		log.Info().Str("client_cert", cfg.ClientCert).Msg("mTLS client authentication enabled")
	}

	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = tlsConfig
	return t, nil
}
