// Package tls builds the control API's server TLS configuration, generating
// a self-signed certificate on demand.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lzdev42/catalytic-sub000/internal/config"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// parseTLSVersion maps "1.2"/"1.3" style names to constants. The bool is
// false for empty or unknown input.
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// resolveTLSVersions defaults both bounds to TLS 1.3.
func resolveTLSVersions(cfg config.ServerConfig) (min uint16, max uint16) {
	min, max = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseTLSVersion(cfg.TLSMinVersion); ok {
		min = v
	}
	if v, ok := parseTLSVersion(cfg.TLSMaxVersion); ok {
		max = v
	}
	if min > max {
		max = min
	}
	return
}

// safeReadFile refuses paths that escape baseDir.
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// certLoader re-reads the key pair on each handshake so rotated
// certificates are picked up without a restart.
func certLoader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		certPEM, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		keyPEM, err := safeReadFile(baseDir, keyFile)
		if err != nil {
			return nil, err
		}
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		return &cert, err
	}
}

// SetupTLS returns nil, nil when TLS is disabled. Explicit cert/key files
// win over Dir; Dir may be populated with a generated certificate.
func SetupTLS(server config.ServerConfig) (*tls.Config, error) {
	if server.TLS == nil || !server.TLS.Enabled {
		return nil, nil
	}
	minVer, maxVer := resolveTLSVersions(server)

	if server.TLS.CertFile != "" && server.TLS.KeyFile != "" {
		return newServerConfig(server.TLS.CertFile, server.TLS.KeyFile, minVer, maxVer), nil
	}

	if server.TLS.Dir != "" {
		keyPath := filepath.Join(server.TLS.Dir, tlsKey)
		certPath := filepath.Join(server.TLS.Dir, tlsCrt)
		if !certificatesExist(certPath, keyPath) {
			if !server.TLS.AutoGenerate {
				return nil, fmt.Errorf("no certificate in %s and auto_generate is off", server.TLS.Dir)
			}
			if err := generateCertificate(server.TLS, server.TLS.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		return newServerConfig(certPath, keyPath, minVer, maxVer), nil
	}

	return nil, errors.New("TLS enabled but no valid certificate configuration found")
}

func newServerConfig(certPath, keyPath string, minVer, maxVer uint16) *tls.Config {
	return &tls.Config{
		GetCertificate: certLoader(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

func orDefaultSlice(value, def []string) []string {
	if len(value) == 0 {
		return def
	}
	return value
}

func generateCertificate(cfg *config.TLSConfig, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	auto := cfg.AutoGen
	if auto == nil {
		auto = &config.AutoGenTLS{}
	}
	validDays := auto.ValidDays
	if validDays <= 0 {
		validDays = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(auto.CommonName, "localhost"),
		Organization: orDefault(auto.Organization, "catalytic"),
		DNSNames:     orDefaultSlice(auto.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefaultSlice(auto.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   filepath.Join(destDir, tlsCaCrt),
	})
}
