package main

import (
	"fmt"
	"net"
	"strings"
)

// listenerURL returns a human-friendly URL for the broker listener address so
// startup logs always show a reachable host:port pair.
func listenerURL(address string) string {
	return fmt.Sprintf("http://%s", normaliseHostPort(address))
}

func normaliseHostPort(address string) string {
	trimmed := strings.TrimSpace(address)
	if trimmed == "" {
		return "localhost"
	}
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		if strings.HasPrefix(trimmed, ":") {
			return "localhost" + trimmed
		}
		return trimmed
	}
	host = strings.TrimSpace(host)
	switch host {
	case "", "0.0.0.0", "::", "[::]":
		host = "localhost"
	}
	return net.JoinHostPort(host, port)
}
