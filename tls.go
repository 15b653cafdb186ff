package intercept

import (
	"crypto/tls"
)

const (
	protoH2    = "h2"
	protoHTTP1 = "http/1.1"
)

// upstream servers are not verified: an interception proxy has to talk to
// hosts with self-signed or otherwise broken certificates.
var tlsClientSkipVerify = &tls.Config{
	InsecureSkipVerify:     true,
	Renegotiation:          tls.RenegotiateOnceAsClient,
	SessionTicketsDisabled: true,
}

// serverTLSConfig is the configuration presented to intercepted clients.
func serverTLSConfig(getCert func(*tls.ClientHelloInfo) (*tls.Certificate, error), h2 bool) *tls.Config {
	protos := []string{protoHTTP1, "http/1.0"}
	if h2 {
		protos = append([]string{protoH2}, protos...)
	}
	return &tls.Config{
		GetCertificate:         getCert,
		NextProtos:             protos,
		SessionTicketsDisabled: true,
		MinVersion:             tls.VersionTLS10,
	}
}

// upstreamTLSConfig derives the per connection client configuration.
func upstreamTLSConfig(base *tls.Config, serverName string, protos []string) *tls.Config {
	cfg := base.Clone()
	if cfg.ServerName == "" {
		cfg.ServerName = serverName
	}
	cfg.NextProtos = protos
	return cfg
}
