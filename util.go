package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/miekg/dns"
)

func normalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return "."
	}
	return dns.Fqdn(name)
}

// sameName compares two DNS names ignoring case and the trailing dot.
func sameName(a, b string) bool {
	return normalizeName(a) == normalizeName(b)
}

// labelUnder returns the part of name left of suffix, if name lies strictly
// below suffix.
func labelUnder(name, suffix string) (string, bool) {
	name = normalizeName(name)
	suffix = normalizeName(suffix)
	if name == suffix || !dns.IsSubDomain(suffix, name) {
		return "", false
	}
	label := strings.TrimSuffix(name, "."+suffix)
	return label, label != "" && label != name
}

func validLabel(label string) bool {
	if label == "" || strings.Contains(label, ".") || len(label) > 63 {
		return false
	}
	if _, ok := dns.IsDomainName(label); !ok {
		return false
	}
	for _, c := range label {
		if !(c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-') {
			return false
		}
	}
	return !strings.HasPrefix(label, "-") && !strings.HasSuffix(label, "-")
}

func validDomainName(name string) bool {
	n, ok := dns.IsDomainName(name)
	return ok && n >= 2
}

func validIPv4(v string) bool {
	ip := net.ParseIP(strings.TrimSpace(v))
	return ip != nil && ip.To4() != nil
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

func validUUID(v string) bool {
	return uuid.Validate(v) == nil
}

func decodeJSON(r io.Reader, out any) error {
	dec := json.NewDecoder(io.LimitReader(r, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatusFor(err), map[string]string{
		"error": err.Error(),
		"kind":  string(errorKindOf(err)),
	})
}

// apiKeyFrom reads the key from x-api-key, Authorization: Bearer or X-API-Token.
func apiKeyFrom(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get("X-API-Key")); k != "" {
		return k
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		if k := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")); k != "" {
			return k
		}
	}
	return strings.TrimSpace(r.Header.Get("X-API-Token"))
}
