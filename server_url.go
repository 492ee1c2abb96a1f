package main

import (
	"fmt"
	"net"
	"strings"
)

// listenerURL renders the REST base URL for the startup log, substituting a
// dialable host when the listener binds a wildcard address.
func listenerURL(address string, tlsEnabled bool) string {
	if tlsEnabled {
		return fmt.Sprintf("https://%s", normaliseHostPort(address))
	}
	return fmt.Sprintf("http://%s", normaliseHostPort(address))
}

// websocketURL is the companion endpoint clients dial for the live channel.
func websocketURL(address string, tlsEnabled bool) string {
	scheme := "ws"
	if tlsEnabled {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, normaliseHostPort(address))
}

var wildcardHosts = map[string]bool{
	"":        true,
	"0.0.0.0": true,
	"::":      true,
	"[::]":    true,
}

// normaliseHostPort rewrites bind-anything hosts as localhost so the logged
// URL is something a local client can actually open.
func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	switch {
	case trimmed == "":
		return "localhost"
	case strings.HasPrefix(trimmed, ":"):
		return "localhost" + trimmed
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		return trimmed
	}
	if wildcardHosts[strings.TrimSpace(host)] {
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
