// Package ratelimit implements per-IP token bucket admission control.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// Class separates authentication traffic from everything else.
type Class string

const (
	ClassAuth    Class = "auth"
	ClassGeneral Class = "general"
)

// Policy is a bucket of Capacity tokens refilled one token per Refill.
type Policy struct {
	Capacity int
	Refill   time.Duration
}

func (p Policy) limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(p.Refill), p.Capacity)
}

// ReportWindow is how long a rejected (ip, class) stays quiet after its
// first reported rejection.
const ReportWindow = time.Minute

// Limiter holds one bucket per (ip, class). Buckets idle for longer than
// the configured TTL are evicted.
type Limiter struct {
	buckets      *ttlcache.Cache[string, *rate.Limiter]
	reported     *ttlcache.Cache[string, struct{}]
	policies     map[Class]Policy
	authPrefixes []string
	now          func() time.Time
}

// New creates a Limiter. Call Start to enable idle eviction.
func New(auth, general Policy, idleTTL time.Duration, authPrefixes []string) *Limiter {
	return &Limiter{
		buckets: ttlcache.New(
			ttlcache.WithTTL[string, *rate.Limiter](idleTTL),
		),
		reported: ttlcache.New(
			ttlcache.WithTTL[string, struct{}](ReportWindow),
			ttlcache.WithDisableTouchOnHit[string, struct{}](),
		),
		policies: map[Class]Policy{
			ClassAuth:    auth,
			ClassGeneral: general,
		},
		authPrefixes: authPrefixes,
		now:          time.Now,
	}
}

// SetClock replaces the time source. Tests only.
func (l *Limiter) SetClock(now func() time.Time) {
	l.now = now
}

// Start runs the eviction loop until Stop is called.
func (l *Limiter) Start() {
	go l.buckets.Start()
	go l.reported.Start()
}

// Stop ends the eviction loop.
func (l *Limiter) Stop() {
	l.buckets.Stop()
	l.reported.Stop()
}

// ClassFor returns ClassAuth for paths under an authentication prefix.
func (l *Limiter) ClassFor(path string) Class {
	for _, prefix := range l.authPrefixes {
		if strings.HasPrefix(path, prefix) {
			return ClassAuth
		}
	}
	return ClassGeneral
}

// Allow consumes one token from the (ip, class) bucket.
func (l *Limiter) Allow(ip string, class Class) bool {
	return l.bucket(ip, class).AllowN(l.now(), 1)
}

// ShouldReport reports whether a rejection of (ip, class) is the first one
// inside the current ReportWindow. Later rejections in the window return
// false.
func (l *Limiter) ShouldReport(ip string, class Class) bool {
	_, seen := l.reported.GetOrSet(ip+"|"+string(class), struct{}{})
	return !seen
}

// RetryAfter is the time until a drained bucket of class admits again.
func (l *Limiter) RetryAfter(class Class) time.Duration {
	return l.policy(class).Refill
}

// Buckets returns the number of live buckets.
func (l *Limiter) Buckets() int {
	return l.buckets.Len()
}

func (l *Limiter) policy(class Class) Policy {
	if p, ok := l.policies[class]; ok {
		return p
	}
	return l.policies[ClassGeneral]
}

func (l *Limiter) bucket(ip string, class Class) *rate.Limiter {
	key := ip + "|" + string(class)
	if item := l.buckets.Get(key); item != nil {
		return item.Value()
	}
	item, _ := l.buckets.GetOrSet(key, l.policy(class).limiter())
	return item.Value()
}

// ClientIP resolves the caller address from X-Forwarded-For (first entry),
// then X-Real-IP, then the socket address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
