// Package networking provides HTTP client construction and fetch helpers
// shared by every component that talks to a remote PDS or authorization
// server.
package networking

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// HttpTimeout is the timeout for outgoing HTTP requests.
const HttpTimeout = 30 * time.Second

// HTTPClient is the interface for making HTTP requests.
// *http.Client satisfies it; tests substitute recording fakes.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

var privateIPBlocks []*net.IPNet

func init() {
	for _, cidr := range []string{
		"127.0.0.0/8",    // IPv4 loopback
		"10.0.0.0/8",     // RFC1918
		"172.16.0.0/12",  // RFC1918
		"192.168.0.0/16", // RFC1918
		"169.254.0.0/16", // RFC3927 link-local
		"::1/128",        // IPv6 loopback
		"fe80::/10",      // IPv6 link-local
		"fc00::/7",       // IPv6 unique local addr
	} {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Errorf("parse error on %q: %v", cidr, err))
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

func isPrivateIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// AddressReferencesPrivateIP returns an error if the address references a
// private or loopback IP. Guest handles resolve to arbitrary hosts, so
// outbound dials are guarded against SSRF into internal networks.
func AddressReferencesPrivateIP(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if isPrivateIP(net.ParseIP(host)) {
		return fmt.Errorf("address %s references a private IP, which is not allowed", address)
	}
	return nil
}

// IsLocalhost reports whether the host (optionally host:port) is a loopback
// address or the literal "localhost".
func IsLocalhost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ValidateEndpointURL checks that the URL is well-formed and uses HTTPS.
// Localhost URLs are exempt so local development servers work.
func ValidateEndpointURL(endpoint string) error {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("malformed URL %q: %w", endpoint, err)
	}
	if parsed.Scheme != "https" && !IsLocalhost(parsed.Host) {
		return fmt.Errorf("URL %q must use HTTPS", endpoint)
	}
	return nil
}

// Dialer control function for validating addresses prior to connection.
func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	return AddressReferencesPrivateIP(address)
}

// ValidatingTransport validates request URLs prior to forwarding.
type ValidatingTransport struct {
	Transport http.RoundTripper
}

// RoundTrip validates the request URL prior to forwarding.
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := ValidateEndpointURL(req.URL.String()); err != nil {
		return nil, err
	}
	return t.Transport.RoundTrip(req)
}

// HttpClientBuilder provides a fluent interface for building HTTP clients.
type HttpClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	allowPrivate          bool
}

// NewHttpClientBuilder returns a new HttpClientBuilder with default timeouts.
func NewHttpClientBuilder() *HttpClientBuilder {
	return &HttpClientBuilder{
		clientTimeout:         HttpTimeout,
		tlsHandshakeTimeout:   10 * time.Second,
		responseHeaderTimeout: 10 * time.Second,
	}
}

// WithTimeout sets the overall client timeout.
func (b *HttpClientBuilder) WithTimeout(timeout time.Duration) *HttpClientBuilder {
	b.clientTimeout = timeout
	return b
}

// WithPrivateIPs allows connections to private IP addresses.
// Intended for local development against a PDS on localhost.
func (b *HttpClientBuilder) WithPrivateIPs(allow bool) *HttpClientBuilder {
	b.allowPrivate = allow
	return b
}

// Build creates the configured HTTP client.
func (b *HttpClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
	}

	if !b.allowPrivate {
		transport.DialContext = (&net.Dialer{
			Control: protectedDialerControl,
		}).DialContext
	}

	var clientTransport http.RoundTripper = transport
	if !b.allowPrivate {
		clientTransport = &ValidatingTransport{Transport: transport}
	}

	return &http.Client{
		Transport: clientTransport,
		Timeout:   b.clientTimeout,
	}, nil
}
