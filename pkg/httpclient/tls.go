package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
)

// TLSConfig carries optional TLS overrides for providers running behind
// self-signed or corporate certificates.
type TLSConfig struct {
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
	CACert             string `yaml:"ca_cert,omitempty"`
	ClientCert         string `yaml:"client_cert,omitempty"`
	ClientKey          string `yaml:"client_key,omitempty"`
}

// ConfigureTLS builds a *tls.Config from the overrides. A nil or zero-value
// input returns nil so the default transport stays untouched.
func ConfigureTLS(cfg *TLSConfig) (*tls.Config, error) {
	if cfg == nil {
		return nil, nil
	}

	if !cfg.InsecureSkipVerify && cfg.CACert == "" && cfg.ClientCert == "" {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}

	if cfg.CACert != "" {
		caCert, err := os.ReadFile(cfg.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate from %s", cfg.CACert)
		}
		tlsConfig.RootCAs = caCertPool
	}

	if cfg.ClientCert != "" && cfg.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	} else if cfg.ClientCert != "" || cfg.ClientKey != "" {
		return nil, fmt.Errorf("both client_cert and client_key must be provided for mutual TLS")
	}

	return tlsConfig, nil
}

// WithTLSConfig applies a TLS configuration to the client's transport.
func WithTLSConfig(tlsConfig *tls.Config) Option {
	return func(c *Client) {
		if tlsConfig == nil {
			return
		}

		transport, ok := c.client.Transport.(*http.Transport)
		if !ok || transport == nil {
			transport = http.DefaultTransport.(*http.Transport).Clone()
		}

		transport.TLSClientConfig = tlsConfig
		c.client.Transport = transport
	}
}
