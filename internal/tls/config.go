package tls

import (
	"fmt"
	"net"
	"os"

	"github.com/lzdev42/catalytic-sub000/internal/config"
)

// FromFiles serves an existing certificate and key.
func FromFiles(certFile, keyFile string) *config.TLSConfig {
	return &config.TLSConfig{Enabled: true, CertFile: certFile, KeyFile: keyFile}
}

// Development keeps a self-signed certificate in certDir, generated on first
// use. Its SANs cover localhost plus the host part of listen, so a bench
// service bound to a LAN address can be reached by that address.
func Development(certDir, listen string) *config.TLSConfig {
	dns, ips := listenSANs(listen)
	return &config.TLSConfig{
		Enabled:      true,
		Dir:          certDir,
		AutoGenerate: true,
		AutoGen: &config.AutoGenTLS{
			CommonName:  "localhost",
			DNSNames:    dns,
			IPAddresses: ips,
			ValidDays:   365,
		},
	}
}

// Testing generates a one-day localhost certificate into a fresh temporary
// directory. The caller removes Dir.
func Testing() (*config.TLSConfig, error) {
	dir, err := os.MkdirTemp("", "catalytic-tls-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temporary directory: %w", err)
	}
	cfg := Development(dir, "127.0.0.1:0")
	cfg.AutoGen.CommonName = "test"
	cfg.AutoGen.ValidDays = 1
	return cfg, nil
}

func listenSANs(listen string) (dns, ips []string) {
	dns = []string{"localhost"}
	ips = []string{"127.0.0.1"}
	host, _, err := net.SplitHostPort(listen)
	if err != nil || host == "" {
		return dns, ips
	}
	if ip := net.ParseIP(host); ip != nil {
		if !ip.IsUnspecified() && !ip.Equal(net.IPv4(127, 0, 0, 1)) {
			ips = append(ips, ip.String())
		}
		return dns, ips
	}
	if host != "localhost" {
		dns = append(dns, host)
	}
	return dns, ips
}
