package engine

import (
	"fmt"
	"strings"
	"time"

	"execution-core/pkg/config"
)

// SignalFilter drops signals that should never reach the guard: unknown
// exchanges, weak confidence or probability, blacklisted symbols and stale
// signals.
type SignalFilter struct {
	cfg       config.FilterConfig
	minRank   int
	exchanges map[string]struct{}
	skip      map[string]struct{}
	now       func() time.Time
}

// NewSignalFilter builds a filter accepting signals for the given exchanges.
func NewSignalFilter(cfg config.FilterConfig, exchanges []string) *SignalFilter {
	f := &SignalFilter{
		cfg:       cfg,
		exchanges: make(map[string]struct{}, len(exchanges)),
		skip:      make(map[string]struct{}, len(cfg.SkipSymbols)),
		now:       time.Now,
	}
	f.minRank, _ = config.ConfidenceRank(cfg.MinConfidence)
	for _, ex := range exchanges {
		f.exchanges[ex] = struct{}{}
	}
	for _, sym := range cfg.SkipSymbols {
		f.skip[strings.ToUpper(sym)] = struct{}{}
	}
	return f
}

// ShouldProcess reports whether s passes every filter and, if not, why.
func (f *SignalFilter) ShouldProcess(s Signal) (bool, string) {
	if err := s.Validate(); err != nil {
		return false, "invalid signal: " + err.Error()
	}
	if _, ok := f.exchanges[s.Exchange]; !ok {
		return false, fmt.Sprintf("unknown exchange %q", s.Exchange)
	}
	if f.minRank > 0 {
		rank, _ := config.ConfidenceRank(s.Confidence)
		if rank < f.minRank {
			return false, fmt.Sprintf("confidence %s below minimum %s", s.Confidence, f.cfg.MinConfidence)
		}
	}
	if floor := f.cfg.MinPredictionProbability; floor > 0 && s.PredictionProbability < floor {
		return false, fmt.Sprintf("probability %.4f below minimum %.4f", s.PredictionProbability, floor)
	}
	if _, ok := f.skip[strings.ToUpper(s.Symbol)]; ok {
		return false, fmt.Sprintf("symbol %s is blacklisted", s.Symbol)
	}
	if f.cfg.SignalMaxAge > 0 && !s.CreatedAt.IsZero() {
		if age := f.now().Sub(s.CreatedAt); age > f.cfg.SignalMaxAge {
			return false, fmt.Sprintf("signal too old: %.0fs", age.Seconds())
		}
	}
	return true, ""
}
