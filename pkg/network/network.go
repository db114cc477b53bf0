// Package network configures outbound HTTP traffic, optionally binding it to
// a specific local address or interface.
package network

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

var globalTransport http.RoundTripper

// SetGlobalTransport installs the transport used by all HTTP clients,
// including the default client the API layer relies on.
func SetGlobalTransport(transport http.RoundTripper) {
	globalTransport = transport
	http.DefaultClient = &http.Client{Transport: transport}
}

// GetGlobalTransport returns the currently configured transport, falling
// back to http.DefaultTransport.
func GetGlobalTransport() http.RoundTripper {
	if globalTransport != nil {
		return globalTransport
	}
	return http.DefaultTransport
}

// Init applies the bind address from configuration. An empty address leaves
// the default transport untouched.
func Init(bindAddr string) error {
	if strings.TrimSpace(bindAddr) == "" {
		return nil
	}
	transport, err := NewHTTPTransport(bindAddr)
	if err != nil {
		return err
	}
	SetGlobalTransport(transport)
	return nil
}

// resolveBindAddr accepts an IP address or an interface name and returns a
// local TCP address to dial from.
func resolveBindAddr(addrOrInterface string) (*net.TCPAddr, error) {
	if ip := net.ParseIP(addrOrInterface); ip != nil {
		return &net.TCPAddr{IP: ip}, nil
	}

	iface, err := net.InterfaceByName(addrOrInterface)
	if err != nil {
		return nil, fmt.Errorf("failed to find network interface '%s': %w", addrOrInterface, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("failed to get addresses for interface '%s': %w", addrOrInterface, err)
	}

	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		}
		if ip != nil && ip.To4() != nil && !ip.IsLoopback() {
			return &net.TCPAddr{IP: ip}, nil
		}
	}
	return nil, fmt.Errorf("no usable IPv4 address found for interface '%s'", addrOrInterface)
}

// NewHTTPTransport creates a transport whose connections originate from the
// given local address or interface.
func NewHTTPTransport(bindAddr string) (*http.Transport, error) {
	localAddr, err := resolveBindAddr(bindAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bind address '%s': %w", bindAddr, err)
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
		LocalAddr: localAddr,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}, nil
}
