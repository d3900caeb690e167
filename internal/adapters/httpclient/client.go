package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"
)

const defaultTimeout = 10 * time.Second

// Options configures the HTTP client used to reach serving engines.
type Options struct {
	Timeout time.Duration

	// Optional mTLS material. When CertFile and KeyFile are both set the
	// client presents them and speaks TLS 1.3 only.
	CertFile string
	KeyFile  string
	CAFile   string
}

// New builds an HTTP client from the options. Without TLS material it is a
// plain client with the configured timeout.
func New(opts Options) (*http.Client, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := &http.Client{Timeout: timeout}
	if opts.CertFile == "" && opts.KeyFile == "" && opts.CAFile == "" {
		return client, nil
	}

	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
		MaxVersion: tls.VersionTLS13,
	}

	if opts.CertFile != "" || opts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if opts.CAFile != "" {
		pem, err := os.ReadFile(opts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from %s", opts.CAFile)
		}
		tlsConfig.RootCAs = pool
	}

	client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	return client, nil
}
