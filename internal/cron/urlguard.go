package cron

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// allowedWebhookMethods is the method allowlist for custom_webhook tasks.
var allowedWebhookMethods = map[string]bool{
	"GET":  true,
	"POST": true,
	"HEAD": true,
}

// blockedHostnames are rejected without resolution.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
}

// ValidateWebhookURL rejects URLs that could reach loopback, private,
// link-local or metadata addresses, before any request is made.
func ValidateWebhookURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid webhook url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("webhook url must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return nil, fmt.Errorf("webhook url has no host")
	}
	if blockedHostnames[strings.ToLower(host)] {
		return nil, fmt.Errorf("webhook host is not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if err := checkIP(ip); err != nil {
			return nil, err
		}
		return u, nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil, fmt.Errorf("webhook host does not resolve")
	}
	for _, ip := range ips {
		if err := checkIP(ip); err != nil {
			return nil, err
		}
	}
	return u, nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsUnspecified():
		return fmt.Errorf("webhook host resolves to an unspecified address")
	case ip.IsLoopback():
		return fmt.Errorf("webhook host resolves to a loopback address")
	case ip.IsPrivate():
		return fmt.Errorf("webhook host resolves to a private address")
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("webhook host resolves to a link-local address")
	case ip.IsMulticast():
		return fmt.Errorf("webhook host resolves to a multicast address")
	}
	return nil
}

// ValidateWebhookMethod enforces the method allowlist. Empty defaults to GET.
func ValidateWebhookMethod(method string) (string, error) {
	if method == "" {
		return "GET", nil
	}
	m := strings.ToUpper(method)
	if !allowedWebhookMethods[m] {
		return "", fmt.Errorf("webhook method %q is not allowed", method)
	}
	return m, nil
}
