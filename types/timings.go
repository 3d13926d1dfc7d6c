package types

import (
	"errors"
	"time"
)

// ErrInvalidTimings is returned by Timings.Validate for out-of-range fields.
var ErrInvalidTimings = errors.New("someipsd: invalid timings configuration")

// Timings carries every duration that governs the SD state machines. The
// zero value is not usable; construct with DefaultTimings and override as
// needed.
type Timings struct {
	InitialDelayMin         time.Duration
	InitialDelayMax         time.Duration
	RequestResponseDelayMin time.Duration
	RequestResponseDelayMax time.Duration
	RepetitionsMax          int
	RepetitionsBaseDelay    time.Duration
	CyclicOfferDelay        time.Duration
	FindTTL                 uint32
	AnnounceTTL             uint32
	SubscribeTTL            uint32
	SubscribeRefreshInterval time.Duration // 0 means "absent": send once, no refresh
	SendCollectionTimeout   time.Duration
}

// DefaultTimings returns the defaults from the SD specification (§6).
func DefaultTimings() Timings {
	return Timings{
		InitialDelayMin:          0,
		InitialDelayMax:          3 * time.Second,
		RequestResponseDelayMin:  10 * time.Millisecond,
		RequestResponseDelayMax:  50 * time.Millisecond,
		RepetitionsMax:           3,
		RepetitionsBaseDelay:     10 * time.Millisecond,
		CyclicOfferDelay:         1 * time.Second,
		FindTTL:                  3,
		AnnounceTTL:              3,
		SubscribeTTL:             5,
		SubscribeRefreshInterval: 3 * time.Second,
		SendCollectionTimeout:    5 * time.Millisecond,
	}
}

// Validate checks internal consistency. It does not warn about the
// cross-field advisories (ANNOUNCE_TTL vs CYCLIC_OFFER_DELAY, SUBSCRIBE_TTL
// vs refresh interval) — those are runtime warnings logged by Announce and
// Subscriber at startup, not hard errors.
func (t Timings) Validate() error {
	if t.InitialDelayMin < 0 || t.InitialDelayMax < t.InitialDelayMin {
		return ErrInvalidTimings
	}
	if t.RequestResponseDelayMin < 0 || t.RequestResponseDelayMax < t.RequestResponseDelayMin {
		return ErrInvalidTimings
	}
	if t.RepetitionsMax < 0 {
		return ErrInvalidTimings
	}
	if t.RepetitionsBaseDelay < 0 {
		return ErrInvalidTimings
	}
	if t.CyclicOfferDelay < 0 || t.SendCollectionTimeout < 0 {
		return ErrInvalidTimings
	}
	return nil
}
