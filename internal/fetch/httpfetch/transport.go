package httpfetch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// newHTTPTransport builds the pooled transport every request goes through.
func newHTTPTransport(cfg Config) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	if cfg.LocalAddress != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(cfg.LocalAddress)}
	}
	proxy, err := cfg.Proxy.Func()
	if err != nil {
		return nil, err
	}
	tlsConfig, err := newTLSConfig(cfg)
	if err != nil {
		return nil, err
	}
	t := &http.Transport{
		Proxy:                 proxy,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: cfg.SocketTimeout,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          cfg.MaxConnections,
		MaxIdleConnsPerHost:   cfg.MaxConnectionsPerHost,
		MaxConnsPerHost:       cfg.MaxConnectionsPerHost,
		IdleConnTimeout:       cfg.MaxConnectionIdleTime,
		ForceAttemptHTTP2:     true,
	}
	if cfg.DisableSNI {
		t.DialTLSContext = dialTLSWithoutSNI(dialer, tlsConfig, cfg.TrustAllSSLCertificates)
	}
	return t, nil
}

func newTLSConfig(cfg Config) (*tls.Config, error) {
	minVersion, err := ParseTLSVersion(cfg.TLSMinVersion)
	if err != nil {
		return nil, err
	}
	maxVersion, err := ParseTLSVersion(cfg.TLSMaxVersion)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:         minVersion,
		MaxVersion:         maxVersion,
		InsecureSkipVerify: cfg.TrustAllSSLCertificates, //nolint:gosec // opt-in via trustAllSSLCertificates
	}, nil
}

// dialTLSWithoutSNI opens TLS connections that omit the server name
// extension. Certificates are still checked against the dialed host unless
// trustAll is set.
func dialTLSWithoutSNI(
	dialer *net.Dialer,
	base *tls.Config,
	trustAll bool,
) func(ctx context.Context, network, addr string) (net.Conn, error) {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("split tls address: %w", err)
		}
		raw, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
		cfg := base.Clone()
		cfg.ServerName = ""
		cfg.InsecureSkipVerify = true //nolint:gosec // verified in VerifyConnection
		if !trustAll {
			cfg.VerifyConnection = verifyHost(host)
		}
		conn := tls.Client(raw, cfg)
		if err := conn.HandshakeContext(ctx); err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("tls handshake with %s: %w", addr, err)
		}
		return conn, nil
	}
}

func verifyHost(host string) func(tls.ConnectionState) error {
	return func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("tls: no peer certificates")
		}
		opts := x509.VerifyOptions{
			DNSName:       host,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(cert)
		}
		if _, err := cs.PeerCertificates[0].Verify(opts); err != nil {
			return fmt.Errorf("verify certificate for %s: %w", host, err)
		}
		return nil
	}
}
