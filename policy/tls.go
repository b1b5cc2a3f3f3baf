package policy

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/fosrl/verdict/logger"
)

// TLSConfig holds the client certificate options for the verdict authority
type TLSConfig struct {
	ClientCertFile string
	ClientKeyFile  string
	CAFiles        []string

	// PKCS12File bundles key, certificate and CA chain in one file
	PKCS12File string
}

func (t TLSConfig) enabled() bool {
	return t.ClientCertFile != "" || t.ClientKeyFile != "" || len(t.CAFiles) > 0 || t.PKCS12File != ""
}

// build returns nil when no TLS option is set and SKIP_TLS_VERIFY is unset
func (t TLSConfig) build() (*tls.Config, error) {
	var cfg *tls.Config
	if t.enabled() {
		var err error
		cfg, err = t.load()
		if err != nil {
			return nil, fmt.Errorf("failed to setup TLS configuration: %w", err)
		}
	}

	if os.Getenv("SKIP_TLS_VERIFY") == "true" {
		if cfg == nil {
			cfg = &tls.Config{}
		}
		cfg.InsecureSkipVerify = true
		logger.Debug("policy: TLS certificate verification disabled via SKIP_TLS_VERIFY")
	}
	return cfg, nil
}

func (t TLSConfig) load() (*tls.Config, error) {
	cfg := &tls.Config{}

	if t.ClientCertFile != "" && t.ClientKeyFile != "" {
		logger.Info("policy: loading client certificate %s for mTLS", t.ClientCertFile)
		cert, err := tls.LoadX509KeyPair(t.ClientCertFile, t.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	} else if t.PKCS12File != "" {
		return loadPKCS12(t.PKCS12File)
	}

	if len(t.CAFiles) > 0 {
		pool, err := loadCAFiles(t.CAFiles)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func loadCAFiles(files []string) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file %s: %w", file, err)
		}
		// PEM first, then DER
		if !pool.AppendCertsFromPEM(data) {
			cert, err := x509.ParseCertificate(data)
			if err != nil {
				return nil, fmt.Errorf("failed to parse CA certificate from %s: %w", file, err)
			}
			pool.AddCert(cert)
		}
	}
	return pool, nil
}

func loadPKCS12(path string) (*tls.Config, error) {
	logger.Info("policy: loading PKCS12 client certificate %s", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PKCS12 file: %w", err)
	}

	// unencrypted bundles use an empty password
	key, cert, caCerts, err := pkcs12.DecodeChain(data, "")
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS12: %w", err)
	}

	roots, err := x509.SystemCertPool()
	if err != nil {
		return nil, fmt.Errorf("failed to load system cert pool: %w", err)
	}
	for _, ca := range caCerts {
		roots.AddCert(ca)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{cert.Raw}, PrivateKey: key}},
		RootCAs:      roots,
	}, nil
}
