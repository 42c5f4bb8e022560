package web

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// Nonce actions guarding the state-changing admin endpoints.
const (
	ActionSaveAuth       = "save_auth"
	ActionValidateSender = "validate_sender"
	ActionTestEmail      = "test_email"
	ActionClearLogs      = "clear_logs"
)

var nonceActions = map[string]bool{
	ActionSaveAuth:       true,
	ActionValidateSender: true,
	ActionTestEmail:      true,
	ActionClearLogs:      true,
}

// nonceTick is the length of one nonce period. A nonce is accepted during
// the period it was issued in and the one after.
const nonceTick = 12 * time.Hour

// Nonces issues and checks per-action tokens bound to an admin subject.
type Nonces struct {
	secret []byte
	now    func() time.Time
}

// NewNonces creates a Nonces keyed with secret.
func NewNonces(secret []byte) *Nonces {
	return &Nonces{secret: secret, now: time.Now}
}

// Issue returns the nonce for action and subject in the current period.
func (n *Nonces) Issue(action, subject string) string {
	return n.sign(action, subject, n.tick())
}

// Verify reports whether nonce was issued for action and subject in the
// current or the previous period.
func (n *Nonces) Verify(action, subject, nonce string) bool {
	if nonce == "" {
		return false
	}
	tick := n.tick()
	for _, t := range []int64{tick, tick - 1} {
		if hmac.Equal([]byte(nonce), []byte(n.sign(action, subject, t))) {
			return true
		}
	}
	return false
}

func (n *Nonces) tick() int64 {
	return n.now().Unix() / int64(nonceTick/time.Second)
}

func (n *Nonces) sign(action, subject string, tick int64) string {
	mac := hmac.New(sha256.New, n.secret)
	mac.Write([]byte("nonce|" + action + "|" + subject + "|" + strconv.FormatInt(tick, 10)))
	return hex.EncodeToString(mac.Sum(nil)[:12])
}
