// Package ipfilter restricts HTTP endpoints to a list of client networks
package ipfilter

import (
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Filter allows requests whose client address falls in one of its prefixes
type Filter struct {
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// New builds a filter from IPs and CIDRs. Invalid entries are logged and
// skipped; an empty list allows everyone.
func New(allowed []string, logger *slog.Logger) *Filter {
	f := &Filter{logger: logger}

	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		p, err := parseEntry(entry)
		if err != nil {
			logger.Warn("invalid entry in allowed_ips", "entry", entry, "error", err)
			continue
		}
		f.prefixes = append(f.prefixes, p)
	}

	return f
}

func parseEntry(entry string) (netip.Prefix, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, err
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, err
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Enabled returns true if any prefix is configured
func (f *Filter) Enabled() bool {
	return len(f.prefixes) > 0
}

// Count returns the number of configured prefixes
func (f *Filter) Count() int {
	return len(f.prefixes)
}

// Allowed reports whether addr may pass
func (f *Filter) Allowed(addr netip.Addr) bool {
	if len(f.prefixes) == 0 {
		return true
	}
	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ClientAddr returns the request's remote address. Proxy headers are not
// consulted here; chi's RealIP middleware rewrites RemoteAddr when the
// service sits behind a trusted proxy.
func ClientAddr(r *http.Request) (netip.Addr, bool) {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		host = h
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// HTTPMiddleware rejects requests from addresses outside the filter
func (f *Filter) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !f.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		addr, ok := ClientAddr(r)
		if !ok {
			f.logger.Warn("could not parse client address", "remote_addr", r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		if !f.Allowed(addr) {
			f.logger.Warn("access denied by IP filter", "ip", addr.String(), "path", r.URL.Path)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		next.ServeHTTP(w, r)
	})
}
