package gates

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/ragorch/internal/config"
)

const (
	limiterCacheSize = 10000
	limiterTTL       = 10 * time.Minute
)

type injectionRule struct {
	name    string
	pattern *regexp.Regexp
}

var injectionRules = []injectionRule{
	{"override_instructions", regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(all\s+|any\s+|the\s+)?(previous|prior|above|earlier|system)\s+(instructions|prompts?|rules)`)},
	{"reveal_prompt", regexp.MustCompile(`(?i)\b(reveal|print|show|repeat)\s+(me\s+)?(your|the)\s+(system\s+prompt|hidden\s+instructions|initial\s+instructions)`)},
	{"role_hijack", regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(in\s+)?(developer|dan|jailbreak|god)\s+mode`)},
	{"role_markup", regexp.MustCompile(`(?i)<\s*/?\s*(system|assistant)\s*>|\[/?INST\]`)},
	{"sql_injection", regexp.MustCompile(`(?i)('\s*or\s+'?1'?\s*=\s*'?1)|(;\s*drop\s+table\b)|(\bunion\s+select\b)`)},
}

// Security is the default SecurityGate. It blocks overlong queries,
// known prompt-injection phrasings and users exceeding their request rate.
type Security struct {
	maxLength int
	rps       rate.Limit
	burst     int
	logger    *zap.Logger

	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
}

// NewSecurity creates a Security gate. A non-positive RequestsPerSecond
// disables rate limiting.
func NewSecurity(cfg config.GatesConfig, logger *zap.Logger) *Security {
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Security{
		maxLength: cfg.MaxQueryLength,
		rps:       rate.Limit(cfg.RequestsPerSecond),
		burst:     burst,
		logger:    logger,
		limiters:  expirable.NewLRU[string, *rate.Limiter](limiterCacheSize, nil, limiterTTL),
	}
}

// Check implements SecurityGate.
func (s *Security) Check(_ context.Context, query, userID string) (*SecurityResponse, error) {
	resp := &SecurityResponse{ThreatLevel: ThreatNone}

	if s.maxLength > 0 && utf8.RuneCountInString(query) > s.maxLength {
		resp.block(ThreatMedium, fmt.Sprintf("query exceeds %d characters", s.maxLength))
	}
	for _, rule := range injectionRules {
		if rule.pattern.MatchString(query) {
			resp.block(ThreatHigh, "prompt injection pattern: "+rule.name)
		}
	}
	// Blocked requests consume a token as well.
	if !s.allow(userID) {
		resp.block(ThreatLow, "rate limit exceeded")
	}

	resp.AccessAllowed = !resp.ShouldBlock
	if resp.ShouldBlock {
		s.logger.Warn("security gate blocked request",
			zap.String("user_id", userID),
			zap.String("threat_level", string(resp.ThreatLevel)),
			zap.Strings("reasons", resp.Reasons))
	}
	return resp, nil
}

func (s *Security) allow(userID string) bool {
	if s.rps <= 0 {
		return true
	}
	s.mu.Lock()
	limiter, ok := s.limiters.Get(userID)
	if !ok {
		limiter = rate.NewLimiter(s.rps, s.burst)
		s.limiters.Add(userID, limiter)
	}
	s.mu.Unlock()
	return limiter.Allow()
}

func (r *SecurityResponse) block(level ThreatLevel, reason string) {
	r.ShouldBlock = true
	r.Reasons = append(r.Reasons, reason)
	if rank(level) > rank(r.ThreatLevel) {
		r.ThreatLevel = level
	}
}

func rank(l ThreatLevel) int {
	switch l {
	case ThreatLow:
		return 1
	case ThreatMedium:
		return 2
	case ThreatHigh:
		return 3
	default:
		return 0
	}
}
