package ratelimit

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"phoneme-recognizer/pkg/errors"
	"phoneme-recognizer/pkg/metrics"
)

// Config holds the control API rate limit settings
type Config struct {
	Enabled           bool
	RequestsPerSecond float64
	Burst             int
	ExemptIPs         []string // addresses or CIDR ranges never limited
}

// Middleware limits requests per client. A client is its API key when one
// is sent, otherwise its address.
type Middleware struct {
	config     Config
	limiter    *Limiter
	logger     *logrus.Entry
	exemptIPs  map[string]bool
	exemptNets []*net.IPNet
}

// NewMiddleware creates the middleware; a disabled config passes everything
func NewMiddleware(config Config, logger *logrus.Logger) *Middleware {
	m := &Middleware{
		config:    config,
		limiter:   NewLimiter(config.RequestsPerSecond, config.Burst, logger),
		logger:    logger.WithField("component", "rate_limit"),
		exemptIPs: make(map[string]bool),
	}

	for _, ip := range config.ExemptIPs {
		ip = strings.TrimSpace(ip)
		if ip == "" {
			continue
		}
		if strings.Contains(ip, "/") {
			_, ipNet, err := net.ParseCIDR(ip)
			if err != nil {
				m.logger.WithError(err).Warnf("Invalid CIDR in rate limit exemptions: %s", ip)
				continue
			}
			m.exemptNets = append(m.exemptNets, ipNet)
			continue
		}
		m.exemptIPs[ip] = true
	}

	if config.Enabled {
		m.logger.WithFields(logrus.Fields{
			"rps":    config.RequestsPerSecond,
			"burst":  config.Burst,
			"exempt": len(m.exemptIPs) + len(m.exemptNets),
		}).Info("API rate limiting enabled")
	}
	return m
}

// Enabled reports whether requests are limited
func (m *Middleware) Enabled() bool {
	return m.config.Enabled
}

// Limiter returns the underlying limiter
func (m *Middleware) Limiter() *Limiter {
	return m.limiter
}

// Wrap limits next. Rejected requests get 429 with a Retry-After header.
func (m *Middleware) Wrap(next http.HandlerFunc) http.HandlerFunc {
	if !m.config.Enabled {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if m.isExempt(ip) {
			next(w, r)
			return
		}

		key := clientKey(r, ip)
		ok, wait := m.limiter.Allow(key)
		if !ok {
			m.logger.WithFields(logrus.Fields{
				"client_ip": ip,
				"path":      r.URL.Path,
				"method":    r.Method,
			}).Warn("Rate limit exceeded")
			metrics.RecordRateLimited(r.URL.Path)

			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(wait.Seconds()))))
			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", m.config.RequestsPerSecond))
			w.Header().Set("X-RateLimit-Remaining", "0")
			errors.WriteError(w, errors.ErrRateLimited)
			return
		}

		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%.0f", m.config.RequestsPerSecond))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", math.Floor(m.limiter.Tokens(key))))
		next(w, r)
	}
}

func (m *Middleware) isExempt(ip string) bool {
	if m.exemptIPs[ip] {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipNet := range m.exemptNets {
		if ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}

// clientKey prefers the API key so clients behind one NAT are told apart
func clientKey(r *http.Request, ip string) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return "key:" + strings.TrimPrefix(auth, "Bearer ")
	}
	return "ip:" + ip
}

// clientIP returns the first forwarded address, falling back to the peer
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" && net.ParseIP(xri) != nil {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
