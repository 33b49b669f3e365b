package tlsfactory

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"strings"

	"imuslab.com/lattice/mod/config"
)

/*
	TLS Context Factory

	Builds crypto/tls configurations from the declarative TlsOptions of
	the config schema. The same option set is usable for both
	server-side accept and client-side connect; the two entry points
	below bake the direction-specific fields.
*/

// Generic dial function, the shape of (&net.Dialer{}).DialContext
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Build a TLS config for terminating inbound connections
func NewServerConfig(opt *config.TLSOptions) (*tls.Config, error) {
	if opt == nil {
		opt = &config.TLSOptions{}
	}

	tlsConfig, err := newBaseConfig(opt)
	if err != nil {
		return nil, err
	}

	if opt.Keypair != nil {
		cert, err := tls.X509KeyPair([]byte(opt.Keypair.CertificateChain), []byte(opt.Keypair.PrivateKey))
		if err != nil {
			return nil, errors.New("TlsOptions keypair is invalid: " + err.Error())
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if opt.RequireClientCerts {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		pool, err := trustPool(opt)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
	}

	return tlsConfig, nil
}

// Build a TLS config for dialling out. serverName overrides the SNI /
// certificate hostname; leave it empty to verify against the dialled
// authority.
func NewClientConfig(opt *config.TLSOptions, serverName string) (*tls.Config, error) {
	if opt == nil {
		opt = &config.TLSOptions{}
	}

	tlsConfig, err := newBaseConfig(opt)
	if err != nil {
		return nil, err
	}

	if opt.Keypair != nil {
		cert, err := tls.X509KeyPair([]byte(opt.Keypair.CertificateChain), []byte(opt.Keypair.PrivateKey))
		if err != nil {
			return nil, errors.New("TlsOptions keypair is invalid: " + err.Error())
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	pool, err := trustPool(opt)
	if err != nil {
		return nil, err
	}
	tlsConfig.RootCAs = pool
	tlsConfig.ServerName = serverName

	return tlsConfig, nil
}

// Wrap a plaintext dialer so every connection is upgraded to TLS.
// certificateHost pins the verified hostname; when empty the hostname
// is derived from the dialled address.
func WrapDialer(base DialFunc, tlsConfig *tls.Config, certificateHost string) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		rawConn, err := base(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		perConnConfig := tlsConfig.Clone()
		if perConnConfig.ServerName == "" {
			host := certificateHost
			if host == "" {
				host, _, err = net.SplitHostPort(addr)
				if err != nil {
					host = addr
				}
			}
			perConnConfig.ServerName = host
		}

		tlsConn := tls.Client(rawConn, perConnConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			rawConn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
}

// Wrap a bound listener so accepted connections are TLS terminated
func WrapListener(inner net.Listener, tlsConfig *tls.Config) net.Listener {
	return tls.NewListener(inner, tlsConfig)
}

func newBaseConfig(opt *config.TLSOptions) (*tls.Config, error) {
	minVersion, err := minVersionFromString(opt.MinVersion)
	if err != nil {
		return nil, err
	}

	tlsConfig := &tls.Config{
		MinVersion: minVersion,
	}

	if opt.CipherList != "" {
		suites, err := cipherSuitesFromList(opt.CipherList)
		if err != nil {
			return nil, err
		}
		tlsConfig.CipherSuites = suites
	}

	return tlsConfig, nil
}

func minVersionFromString(version string) (uint16, error) {
	switch version {
	case "", config.TLSVersionGoodDefault:
		//Let crypto/tls pick its default floor
		return 0, nil
	case config.TLSVersionSSL3, config.TLSVersion10:
		//SSL3 is not supported by crypto/tls, the floor clamps to TLS 1.0
		return tls.VersionTLS10, nil
	case config.TLSVersion11:
		return tls.VersionTLS11, nil
	case config.TLSVersion12:
		return tls.VersionTLS12, nil
	case config.TLSVersion13:
		return tls.VersionTLS13, nil
	}
	return 0, errors.New("Encountered unknown TlsOptions::minVersion setting. Was the config compiled with a newer version of the schema?")
}

// Resolve a colon separated cipher list into crypto/tls suite IDs
func cipherSuitesFromList(cipherList string) ([]uint16, error) {
	known := map[string]uint16{}
	for _, suite := range tls.CipherSuites() {
		known[suite.Name] = suite.ID
	}
	for _, suite := range tls.InsecureCipherSuites() {
		known[suite.Name] = suite.ID
	}

	ids := []uint16{}
	for _, name := range strings.Split(cipherList, ":") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		id, ok := known[name]
		if !ok {
			return nil, errors.New("TlsOptions cipherList contains unsupported cipher \"" + name + "\"")
		}
		ids = append(ids, id)
	}

	if len(ids) == 0 {
		return nil, errors.New("TlsOptions cipherList does not contain any usable cipher")
	}
	return ids, nil
}

// Build the trust pool from the option set: the system trust store if
// trustBrowserCas is set, plus any explicitly trusted certificates
func trustPool(opt *config.TLSOptions) (*x509.CertPool, error) {
	var pool *x509.CertPool
	if opt.TrustBrowserCas {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, err
		}
		pool = systemPool
	} else {
		pool = x509.NewCertPool()
	}

	for _, pemBlock := range opt.TrustedCertificates {
		if !pool.AppendCertsFromPEM([]byte(pemBlock)) {
			return nil, errors.New("TlsOptions trustedCertificates contains an invalid certificate")
		}
	}

	//With no trusted CAs at all, fall back to the system store so
	//outbound TLS does not silently accept anything
	if !opt.TrustBrowserCas && len(opt.TrustedCertificates) == 0 {
		return nil, nil
	}

	return pool, nil
}
