package session

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoToken      = errors.New("no token supplied")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpired      = errors.New("token has timed out")
)

// Session is the state bound to one issued token.
type Session struct {
	Token      string
	SensorID   uint64
	SensorName string
	Issued     time.Time
	LastUsed   time.Time
}

// Cache holds live sessions keyed by token. Expiry is sliding: every
// successful lookup renews LastUsed.
type Cache struct {
	mu       sync.Mutex
	sessions map[string]*Session
	timeout  time.Duration
	now      func() time.Time
}

// Config controls Cache behavior.
type Config struct {
	Timeout time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewCache creates an empty session cache with sane defaults.
func NewCache(cfg Config) *Cache {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cache{
		sessions: make(map[string]*Session),
		timeout:  cfg.Timeout,
		now:      cfg.Now,
	}
}

// NewToken mints "<sensorID>-<random suffix>".
func NewToken(sensorID uint64) string {
	return strconv.FormatUint(sensorID, 10) + "-" + uuid.NewString()
}

// Issue creates a fresh session for the sensor and returns it.
func (c *Cache) Issue(sensorID uint64, sensorName string) Session {
	now := c.now()
	s := &Session{
		Token:      NewToken(sensorID),
		SensorID:   sensorID,
		SensorName: sensorName,
		Issued:     now,
		LastUsed:   now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.evictExpiredLocked(now)
	c.sessions[s.Token] = s
	return *s
}

// Lookup validates token and renews it. An expired entry is removed.
func (c *Cache) Lookup(token string) (Session, error) {
	if token == "" {
		return Session{}, ErrNoToken
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.sessions[token]
	if !ok {
		return Session{}, ErrInvalidToken
	}
	if c.expired(s, now) {
		delete(c.sessions, token)
		return Session{}, ErrExpired
	}
	s.LastUsed = now
	return *s, nil
}

// Revoke removes a session. It reports whether the token was known.
func (c *Cache) Revoke(token string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.sessions[token]
	delete(c.sessions, token)
	return ok
}

// Sweep drops every expired session and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictExpiredLocked(c.now())
}

// Len returns the number of sessions held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}

func (c *Cache) expired(s *Session, now time.Time) bool {
	return now.After(s.LastUsed.Add(c.timeout))
}

func (c *Cache) evictExpiredLocked(now time.Time) int {
	n := 0
	for token, s := range c.sessions {
		if c.expired(s, now) {
			delete(c.sessions, token)
			n++
		}
	}
	return n
}
