package mw

import (
	"context"
	"math"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"hcfstream/internal/config"
	"hcfstream/internal/metrics"
	"hcfstream/internal/security"
	"hcfstream/internal/stores/redis"
)

const (
	defaultBucketTTL = 2 * time.Minute

	keyPrefixIP  = "hcf:rl:ip:"
	keyPrefixJWT = "hcf:rl:jwt:"
)

// RateLimitMiddleware applies two token buckets: per client IP and, when a valid token is present, per subject
type RateLimitMiddleware struct {
	Cfg      *config.RateLimitConfig
	Rdb      *redis.Client
	Verifier *security.RS256Verifier // optional
}

func NewRateLimit(cfg *config.RateLimitConfig, rdb *redis.Client, verifier *security.RS256Verifier) *RateLimitMiddleware {
	if cfg == nil {
		panic("rate limit config cannot be nil")
	}
	if rdb == nil {
		panic("redis client cannot be nil")
	}

	if cfg.ByJWT.TTL == 0 {
		cfg.ByJWT.TTL = defaultBucketTTL
	}
	if cfg.ByIP.TTL == 0 {
		cfg.ByIP.TTL = defaultBucketTTL
	}

	return &RateLimitMiddleware{Cfg: cfg, Rdb: rdb, Verifier: verifier}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		now := time.Now()

		ip := extractClientIP(r, m.Cfg.TrustedProxiesList)
		okIP, leftIP := m.allow(ctx, keyPrefixIP+ip, now, m.Cfg.ByIP)
		w.Header().Set("X-RateLimit-Limit-IP", strconv.Itoa(m.Cfg.ByIP.Burst))
		w.Header().Set("X-RateLimit-Remaining-IP", strconv.FormatInt(leftIP, 10))

		okJWT := true
		sub := subjectFromContext(r)
		if sub == "" && m.Verifier != nil {
			if s, err := m.Verifier.Subject(r.Header.Get("Authorization")); err == nil {
				sub = s
			}
		}
		if sub != "" {
			var leftJWT int64
			okJWT, leftJWT = m.allow(ctx, keyPrefixJWT+sub, now, m.Cfg.ByJWT)
			w.Header().Set("X-RateLimit-Limit-JWT", strconv.Itoa(m.Cfg.ByJWT.Burst))
			w.Header().Set("X-RateLimit-Remaining-JWT", strconv.FormatInt(leftJWT, 10))
		}

		if !okIP || !okJWT {
			if !okIP {
				metrics.RateLimited.WithLabelValues("ip").Inc()
			}
			if !okJWT {
				metrics.RateLimited.WithLabelValues("jwt").Inc()
			}
			w.Header().Set("Retry-After", strconv.Itoa(m.calculateRetryAfter(okIP, okJWT)))
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// calculateRetryAfter is the seconds until the slowest exhausted bucket refills one token
func (m *RateLimitMiddleware) calculateRetryAfter(okIP, okJWT bool) int {
	wait := 0.0
	if !okIP {
		wait = math.Max(wait, refillWait(m.Cfg.ByIP))
	}
	if !okJWT {
		wait = math.Max(wait, refillWait(m.Cfg.ByJWT))
	}

	sec := int(math.Ceil(wait))
	if sec < 1 {
		sec = 1
	}
	return sec
}

func refillWait(b config.RateBucket) float64 {
	if b.RefillPerSec <= 0 {
		return 1
	}
	return 1 / float64(b.RefillPerSec)
}

// token bucket in one round trip; Lua numbers come back truncated to integers
var luaTokenBucket = goredis.NewScript(`
-- KEYS[1] = key
-- ARGV[1] = now_ms, ARGV[2] = refill_per_sec, ARGV[3] = burst, ARGV[4] = ttl_seconds
local key   = KEYS[1]
local now   = tonumber(ARGV[1])
local rate  = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])
local ttl   = tonumber(ARGV[4])

local last_ms = tonumber(redis.call('HGET', key, 'ts') or now)
local tokens  = tonumber(redis.call('HGET', key, 'tok') or burst)

if now > last_ms then
  local delta = (now - last_ms) / 1000.0
  tokens = math.min(burst, tokens + (delta * rate))
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end

redis.call('HSET', key, 'tok', tokens, 'ts', now)
redis.call('EXPIRE', key, ttl)

return {allowed, tokens}
`)

// allow fails open: a Redis outage must not take the operator API down with it
func (m *RateLimitMiddleware) allow(ctx context.Context, key string, now time.Time, b config.RateBucket) (bool, int64) {
	ttl := int(b.TTL.Seconds())
	if ttl <= 0 {
		ttl = int(defaultBucketTTL.Seconds())
	}

	res, err := luaTokenBucket.Run(ctx, m.Rdb, []string{key},
		now.UnixMilli(),
		b.RefillPerSec,
		b.Burst,
		ttl,
	).Int64Slice()
	if err != nil || len(res) < 2 {
		return true, int64(b.Burst)
	}

	return res[0] == 1, res[1]
}

// extractClientIP trusts forwarding headers only when the direct peer is a trusted proxy.
// With a trusted list the rightmost untrusted X-Forwarded-For hop wins; without one the
// first public hop, falling back to the first hop.
func extractClientIP(r *http.Request, trusted []string) string {
	remote := remoteAddrIP(r.RemoteAddr)
	if len(trusted) > 0 && !isTrusted(remote, trusted) {
		return remote
	}

	if hops := parseXFF(r.Header.Get("X-Forwarded-For")); len(hops) > 0 {
		if len(trusted) > 0 {
			for i := len(hops) - 1; i >= 0; i-- {
				if !isTrusted(hops[i], trusted) {
					return hops[i]
				}
			}
			return hops[0]
		}

		for _, h := range hops {
			if isPublicIP(h) {
				return h
			}
		}
		return hops[0]
	}

	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		if addr, err := netip.ParseAddr(xrip); err == nil {
			return addr.String()
		}
	}

	return remote
}

func isTrusted(ip string, trusted []string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}

	for _, t := range trusted {
		if strings.Contains(t, "/") {
			if p, err := netip.ParsePrefix(t); err == nil && p.Contains(addr) {
				return true
			}
			continue
		}
		if a, err := netip.ParseAddr(t); err == nil && a == addr {
			return true
		}
	}
	return false
}

func isPublicIP(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return !(addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() || addr.IsMulticast())
}

func parseXFF(xff string) []string {
	out := []string{}
	for _, part := range strings.Split(xff, ",") {
		addr, err := netip.ParseAddr(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		out = append(out, addr.String())
	}
	return out
}

func remoteAddrIP(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)

	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return "unknown"
	}
	return addr.String()
}
