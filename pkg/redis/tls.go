package redis

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	envRedisTLS        = "REDIS_TLS"
	envRedisCACert     = "REDIS_CACERT"
	envRedisCert       = "REDIS_CERT"
	envRedisKey        = "REDIS_KEY"
	envRedisServerName = "REDIS_SERVER_NAME"
)

// TLSConfigFromEnv returns nil when REDIS_TLS is unset or false.
//
//   - REDIS_CACERT: extra root CA bundle (PEM)
//   - REDIS_CERT / REDIS_KEY: client certificate pair, both or neither
//   - REDIS_SERVER_NAME: SNI override
func TLSConfigFromEnv() (*tls.Config, error) {
	enabled := false
	if raw := strings.TrimSpace(os.Getenv(envRedisTLS)); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", envRedisTLS, err)
		}
		enabled = v
	}
	if !enabled {
		return nil, nil
	}

	certPath := strings.TrimSpace(os.Getenv(envRedisCert))
	keyPath := strings.TrimSpace(os.Getenv(envRedisKey))
	if (certPath == "") != (keyPath == "") {
		return nil, fmt.Errorf("%s and %s must be set together", envRedisCert, envRedisKey)
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: strings.TrimSpace(os.Getenv(envRedisServerName)),
	}

	if caPath := strings.TrimSpace(os.Getenv(envRedisCACert)); caPath != "" {
		pool, err := loadCertPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if certPath != "" {
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load %s/%s: %w", envRedisCert, envRedisKey, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", envRedisCACert, err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("append %s: no valid certificates found", envRedisCACert)
	}
	return pool, nil
}
