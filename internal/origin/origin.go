// Package origin validates browser Origin headers for the control API and the
// event stream.
package origin

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Normalize validates an origin (scheme://host[:port]) and returns it
// lowercased with default ports dropped, along with its host[:port] part.
// The opaque origin "null" is returned as-is with an empty host.
func Normalize(raw string) (normalized, host string, ok bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", "", false
	}
	if raw == "null" {
		return "null", "", true
	}

	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = hostKey(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// Check reports whether a request carrying originHeader may be served. With a
// non-empty allow list the normalized origin (or "*") must appear in it;
// otherwise the origin must name the same host:port as requestHost. Schemes
// are not compared so TLS-terminating proxies in front of the relay work.
func Check(originHeader, requestHost string, allowed []string) (normalized string, ok bool) {
	normalized, host, ok := Normalize(originHeader)
	if !ok {
		return "", false
	}
	if len(allowed) > 0 {
		for _, a := range allowed {
			if a == "*" || a == normalized {
				return normalized, true
			}
		}
		return normalized, false
	}
	if host == "" {
		return normalized, false
	}
	scheme, _, _ := strings.Cut(normalized, "://")
	reqHost, ok := hostKey(requestHost, scheme)
	if !ok {
		return normalized, false
	}
	return normalized, reqHost == host
}

func hostKey(hostport, scheme string) (string, bool) {
	hostport = strings.ToLower(strings.TrimSpace(hostport))
	if hostport == "" {
		return "", false
	}

	hostname, port := hostport, ""
	if strings.HasPrefix(hostport, "[") {
		end := strings.IndexByte(hostport, ']')
		if end < 0 {
			return "", false
		}
		hostname = hostport[1:end]
		rest := hostport[end+1:]
		if rest != "" {
			if !strings.HasPrefix(rest, ":") {
				return "", false
			}
			port = rest[1:]
		}
		if net.ParseIP(hostname) == nil {
			return "", false
		}
	} else if i := strings.LastIndexByte(hostport, ':'); i >= 0 {
		if strings.Count(hostport, ":") > 1 {
			// Bare IPv6 literals must be bracketed.
			return "", false
		}
		hostname, port = hostport[:i], hostport[i+1:]
	}
	if hostname == "" {
		return "", false
	}

	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}

	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}
