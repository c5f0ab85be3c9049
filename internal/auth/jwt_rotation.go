package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"sync"
	"time"

	"github.com/schoolconsole/notify-engine/logger"
)

// SecretManager signs and checks simulator tokens. After a rotation the
// previous secret keeps validating for one more period.
type SecretManager struct {
	mu       sync.RWMutex
	current  string
	previous string
	period   time.Duration
	rotated  time.Time
	onRotate func(rotatedAt time.Time)
}

// NewSecretManager creates a manager starting from secret. A zero period
// disables rotation.
func NewSecretManager(secret string, period time.Duration) *SecretManager {
	return &SecretManager{
		current: secret,
		period:  period,
		rotated: time.Now(),
	}
}

// OnRotate registers fn to run after every rotation.
func (m *SecretManager) OnRotate(fn func(rotatedAt time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRotate = fn
}

// Run rotates the secret every period until ctx is done.
func (m *SecretManager) Run(ctx context.Context) {
	if m.period <= 0 {
		return
	}
	log := logger.GetLogger().Named("secret_rotation")
	log.Infow("Token secret rotation enabled", "period", m.period)

	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.Rotate(); err != nil {
				log.Errorw("Failed to rotate token secret", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Rotate replaces the signing secret. Tokens signed with the replaced secret
// stay valid until the next rotation.
func (m *SecretManager) Rotate() error {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return err
	}

	m.mu.Lock()
	m.previous = m.current
	m.current = base64.URLEncoding.EncodeToString(buf)
	m.rotated = time.Now()
	rotatedAt, hook := m.rotated, m.onRotate
	m.mu.Unlock()

	if hook != nil {
		hook(rotatedAt)
	}
	return nil
}

// RotatedAt returns when the signing secret last changed.
func (m *SecretManager) RotatedAt() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rotated
}

func (m *SecretManager) secrets() (current string, valid []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.previous != "" {
		return m.current, []string{m.current, m.previous}
	}
	return m.current, []string{m.current}
}

// Issue signs a token for userID with the current secret.
func (m *SecretManager) Issue(userID int64, ttl time.Duration) (string, error) {
	current, _ := m.secrets()
	return Issue(current, userID, ttl)
}

// Validate verifies a token against the current and previous secret.
func (m *SecretManager) Validate(tokenString string) (*Claims, error) {
	_, valid := m.secrets()
	return Validate(tokenString, valid...)
}
