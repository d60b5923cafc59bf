package admission

import (
	"strings"
	"sync"
	"time"

	"kioskexchange/exchange"
)

// RiskLevel buckets a fraud score.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Score contributions.
const (
	ReasonRepeatedAttempts = "repeated_attempts"
	ReasonOffIncrement     = "amount_off_increment"
	ReasonFlaggedIdentity  = "flagged_identity"
	ReasonHighVelocity     = "high_velocity"

	weightRepeatedAttempts = 30
	weightOffIncrement     = 20
	weightFlaggedIdentity  = 40
	weightHighVelocity     = 25
)

// FraudPolicy tunes the scorer.
type FraudPolicy struct {
	HighThreshold   int
	MediumThreshold int
	AttemptWindow   time.Duration
	MaxCodeAttempts int
	VelocityWindow  time.Duration
	VelocityLimit   int
}

// DefaultFraudPolicy mirrors the kiosk defaults.
func DefaultFraudPolicy() FraudPolicy {
	return FraudPolicy{
		HighThreshold:   70,
		MediumThreshold: 40,
		AttemptWindow:   time.Hour,
		MaxCodeAttempts: 3,
		VelocityWindow:  5 * time.Minute,
		VelocityLimit:   10,
	}
}

// Signal is what the scorer knows about one request.
type Signal struct {
	Identity string
	KioskID  string
	// Code is the order code the request targets, empty on creation.
	Code string
	// OffIncrement is true when a fiat amount was supplied that is not a
	// multiple of the asset's minimum increment.
	OffIncrement bool
	// Transaction marks requests that count toward velocity.
	Transaction bool
}

// Assessment is the scorer's verdict.
type Assessment struct {
	Score   int
	Level   RiskLevel
	Reasons []string

	// Compliance lists review markers for large order amounts.
	Compliance []string
}

// Scorer computes an additive fraud score. Attempt and velocity histories are
// kept in process and pruned lazily when the same key is scored again.
type Scorer struct {
	policy FraudPolicy
	clock  exchange.Clock

	mu       sync.Mutex
	attempts map[string][]time.Time
	velocity map[string][]time.Time
	flagged  map[string]string
}

// NewScorer builds a scorer. Zero policy fields take the defaults.
func NewScorer(policy FraudPolicy, clock exchange.Clock, flagged ...string) *Scorer {
	def := DefaultFraudPolicy()
	if policy.HighThreshold <= 0 {
		policy.HighThreshold = def.HighThreshold
	}
	if policy.MediumThreshold <= 0 {
		policy.MediumThreshold = def.MediumThreshold
	}
	if policy.AttemptWindow <= 0 {
		policy.AttemptWindow = def.AttemptWindow
	}
	if policy.MaxCodeAttempts <= 0 {
		policy.MaxCodeAttempts = def.MaxCodeAttempts
	}
	if policy.VelocityWindow <= 0 {
		policy.VelocityWindow = def.VelocityWindow
	}
	if policy.VelocityLimit <= 0 {
		policy.VelocityLimit = def.VelocityLimit
	}
	if clock == nil {
		clock = exchange.SystemClock{}
	}
	s := &Scorer{
		policy:   policy,
		clock:    clock,
		attempts: make(map[string][]time.Time),
		velocity: make(map[string][]time.Time),
		flagged:  make(map[string]string),
	}
	for _, id := range flagged {
		s.Flag(id, "configured")
	}
	return s
}

// Assess records the request and scores it.
func (s *Scorer) Assess(sig Signal) Assessment {
	now := s.clock.Now()
	var out Assessment

	s.mu.Lock()
	if sig.Code != "" {
		history := append(trim(s.attempts[sig.Code], now, s.policy.AttemptWindow), now)
		s.attempts[sig.Code] = history
		if len(history) > s.policy.MaxCodeAttempts {
			out.add(weightRepeatedAttempts, ReasonRepeatedAttempts)
		}
	}
	if sig.Transaction && sig.Identity != "" {
		history := append(trim(s.velocity[sig.Identity], now, s.policy.VelocityWindow), now)
		s.velocity[sig.Identity] = history
		if len(history) > s.policy.VelocityLimit {
			out.add(weightHighVelocity, ReasonHighVelocity)
		}
	}
	if s.isFlaggedLocked(sig.Identity) || s.isFlaggedLocked(sig.KioskID) {
		out.add(weightFlaggedIdentity, ReasonFlaggedIdentity)
	}
	s.mu.Unlock()

	if sig.OffIncrement {
		out.add(weightOffIncrement, ReasonOffIncrement)
	}
	switch {
	case out.Score >= s.policy.HighThreshold:
		out.Level = RiskHigh
	case out.Score >= s.policy.MediumThreshold:
		out.Level = RiskMedium
	default:
		out.Level = RiskLow
	}
	return out
}

func (a *Assessment) add(weight int, reason string) {
	a.Score += weight
	a.Reasons = append(a.Reasons, reason)
}

// Flag marks an identity or kiosk as suspicious.
func (s *Scorer) Flag(identity, reason string) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return
	}
	s.mu.Lock()
	s.flagged[identity] = reason
	s.mu.Unlock()
}

// Unflag clears a flag.
func (s *Scorer) Unflag(identity string) {
	s.mu.Lock()
	delete(s.flagged, strings.TrimSpace(identity))
	s.mu.Unlock()
}

// IsFlagged reports whether identity is flagged.
func (s *Scorer) IsFlagged(identity string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isFlaggedLocked(identity)
}

func (s *Scorer) isFlaggedLocked(identity string) bool {
	if identity == "" {
		return false
	}
	_, ok := s.flagged[identity]
	return ok
}

// Sweep drops attempt and velocity histories that fell out of their windows.
func (s *Scorer) Sweep() int {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for code, history := range s.attempts {
		if len(trim(history, now, s.policy.AttemptWindow)) == 0 {
			delete(s.attempts, code)
			removed++
		}
	}
	for id, history := range s.velocity {
		if len(trim(history, now, s.policy.VelocityWindow)) == 0 {
			delete(s.velocity, id)
			removed++
		}
	}
	return removed
}
