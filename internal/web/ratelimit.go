package web

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

// idleClientTTL is how long an unused per-IP limiter is kept.
const idleClientTTL = 10 * time.Minute

// rateLimiter allows requests per duration for each client IP, with a
// burst of the same size.
func rateLimiter(requests int, duration time.Duration) fiber.Handler {
	type client struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		clients   = make(map[string]*client)
		mu        sync.Mutex
		lastSweep = time.Now()
	)

	return func(c *fiber.Ctx) error {
		ip := c.IP()
		now := time.Now()

		mu.Lock()
		if now.Sub(lastSweep) > idleClientTTL {
			for key, cl := range clients {
				if now.Sub(cl.lastSeen) > idleClientTTL {
					delete(clients, key)
				}
			}
			lastSweep = now
		}
		cl, ok := clients[ip]
		if !ok {
			cl = &client{limiter: rate.NewLimiter(rate.Every(duration/time.Duration(requests)), requests)}
			clients[ip] = cl
		}
		cl.lastSeen = now
		allowed := cl.limiter.Allow()
		mu.Unlock()

		if !allowed {
			return c.Status(fiber.StatusTooManyRequests).JSON(response{
				Message: "Too many attempts. Please try again later.",
			})
		}
		return c.Next()
	}
}
