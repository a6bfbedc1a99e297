package keypool

import "time"

// Credential is one upstream API key and its status flags.
//
// The raw value never leaves this package except through Pool.Active, which
// hands it to the transport. Everything exposed for reporting goes through
// KeyView and carries only the masked form.
type Credential struct {
	value string

	// dead is set once the upstream rejected the key with 401/403. Only
	// ClearTransientFlags resets it.
	dead bool

	// cooldownUntil is the instant a rate-limited key becomes selectable again.
	// The zero value means "not cooling down".
	cooldownUntil time.Time

	useCount int64
}

// Eligible reports whether the credential may be selected at instant now.
// It is the only place cooldown timestamps are compared; the rotation scan,
// status counters and metrics all go through it.
func (c *Credential) Eligible(now time.Time) bool {
	return !c.dead && !c.coolingDown(now)
}

func (c *Credential) coolingDown(now time.Time) bool {
	return now.Before(c.cooldownUntil)
}

// KeyView is a read-only, masked snapshot of a credential for status output.
type KeyView struct {
	Index         int        `json:"index"`
	Masked        string     `json:"masked"`
	Dead          bool       `json:"dead"`
	CoolingDown   bool       `json:"cooling_down"`
	CooldownUntil *time.Time `json:"cooldown_until,omitempty"`
	UseCount      int64      `json:"use_count"`
	Active        bool       `json:"active"`
}

// Mask hides the middle of a key, keeping the first 6 and last 4 characters:
//
//	"sk-ABCDEFGHIJKL1234" → "sk-ABC...1234"
//
// Keys of 10 characters or fewer are replaced entirely.
func Mask(key string) string {
	r := []rune(key)
	if len(r) <= 10 {
		return "***"
	}
	return string(r[:6]) + "..." + string(r[len(r)-4:])
}
