package runtime

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	appconfig "github.com/saker-ai/smart-intercom/internal/config"
)

const selfSignedValidity = 365 * 24 * time.Hour

// listen serves plain HTTP, HTTPS with the configured key pair, or HTTPS
// with an in-memory certificate when no key pair is present and TLS is not
// required.
func listen(server *http.Server, cfg appconfig.Config, logger *zap.Logger) error {
	addr := zap.String("addr", cfg.HTTPAddr)
	switch {
	case cfg.TLSDisable:
		logger.Info("starting http server", addr)
		return server.ListenAndServe()
	case fileExists(cfg.TLSCertPath) && fileExists(cfg.TLSKeyPath):
		logger.Info("starting https server", addr, zap.String("cert", cfg.TLSCertPath))
		return server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
	case cfg.TLSRequired:
		return fmt.Errorf("tls required but key pair %q/%q is missing", cfg.TLSCertPath, cfg.TLSKeyPath)
	}

	cert, err := selfSignedCert(certHosts(cfg.HTTPAddr))
	if err != nil {
		return fmt.Errorf("generate tls cert: %w", err)
	}
	server.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	logger.Warn("starting https server with in-memory cert", addr)
	return server.ListenAndServeTLS("", "")
}

// certHosts lists the names a bridge listening on addr is reached by.
func certHosts(addr string) []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return hosts
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsUnspecified() {
		return hosts
	}
	for _, h := range hosts {
		if h == host {
			return hosts
		}
	}
	return append(hosts, host)
}

func selfSignedCert(hosts []string) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "intercomd"},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(selfSignedValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
