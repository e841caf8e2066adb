package socks5

import (
	"net"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// fingerprint maps a config name to a ClientHello template.
func fingerprint(name string) utls.ClientHelloID {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "firefox":
		return utls.HelloFirefox_Auto
	case "safari":
		return utls.HelloSafari_Auto
	case "ios":
		return utls.HelloIOS_Auto
	case "android":
		return utls.HelloAndroid_11_OkHttp
	case "edge":
		return utls.HelloEdge_Auto
	case "random", "randomized":
		return utls.HelloRandomized
	case "golang", "go", "none":
		return utls.HelloGolang
	default:
		return utls.HelloChrome_Auto
	}
}

// wrapTLS runs a TLS handshake over conn using the configured fingerprint.
// The caller's deadline on conn bounds the handshake.
func (c *Client) wrapTLS(conn net.Conn) (net.Conn, error) {
	serverName := c.cfg.ServerName
	if serverName == "" {
		serverName = c.cfg.Host
	}
	uc := utls.UClient(conn, &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: c.cfg.Insecure,
	}, fingerprint(c.cfg.Fingerprint))
	if err := uc.Handshake(); err != nil {
		return nil, err
	}
	return uc, nil
}
