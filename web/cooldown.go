package web

import (
	"math"
	"net"
	"net/http"
	"sync"
	"time"
)

// Cooldown enforces a minimum time between two GeoJSON requests of the same client IP. A cooldown of zero disables it.
type Cooldown struct {
	duration time.Duration
	now      func() time.Time

	mutex       sync.Mutex
	lastRequest map[string]time.Time
}

func NewCooldown(duration time.Duration) *Cooldown {
	return &Cooldown{
		duration:    duration,
		now:         time.Now,
		lastRequest: map[string]time.Time{},
	}
}

// Acquire registers a request of the IP. When the previous request of the IP is too recent, the request is not
// registered and the number of seconds to wait is returned (at least one).
func (c *Cooldown) Acquire(ip string) (bool, int) {
	if c == nil || c.duration <= 0 {
		return true, 0
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	last, ok := c.lastRequest[ip]
	if ok {
		readyAt := last.Add(c.duration)
		if now.Before(readyAt) {
			wait := int(math.Ceil(readyAt.Sub(now).Seconds()))
			return false, max(wait, 1)
		}
	}

	c.lastRequest[ip] = now
	c.cleanup(now)
	return true, 0
}

// cleanup removes IPs whose cooldown is over.
func (c *Cooldown) cleanup(now time.Time) {
	for ip, last := range c.lastRequest {
		if !now.Before(last.Add(c.duration)) {
			delete(c.lastRequest, ip)
		}
	}
}

func clientIp(request *http.Request) string {
	host, _, err := net.SplitHostPort(request.RemoteAddr)
	if err != nil {
		return request.RemoteAddr
	}
	return host
}
