// Package engine turns upstream signals into protected positions: filter,
// guard, tradeability, sizing, leverage, confirmed market entry, persisted
// position and protection, with exactly one outcome per signal.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"execution-core/internal/events"
	"execution-core/internal/order"
	"execution-core/internal/protection"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/pkg/config"
	"execution-core/pkg/db"
	"execution-core/pkg/exchanges/common"
)

// SignalStore persists signal outcomes.
type SignalStore interface {
	RecordSignal(ctx context.Context, s db.SignalRecord) error
	GetSignal(ctx context.Context, sourceID string) (db.SignalRecord, error)
}

// Source yields batches of signals.
type Source interface {
	Pull(ctx context.Context, limit int) ([]Signal, error)
}

// MarginChecker refuses entries the account cannot fund.
type MarginChecker interface {
	CheckMargin(exchange string, required decimal.Decimal) error
}

// Config holds the processor's collaborators and settings.
type Config struct {
	Guard      *risk.Guard
	Margin     MarginChecker // optional
	Executors  map[string]*order.Executor
	Store      state.Store
	Protection *protection.Engine
	Signals    SignalStore
	Bus        *events.Bus

	Leverage        int
	PositionSizeUSD float64
	Filter          config.FilterConfig
	Workers         int
	Concurrency     map[string]int // per exchange
	ProtectTimeout  time.Duration
}

// ConfigFrom copies the processor settings out of the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		Leverage:        cfg.Leverage,
		PositionSizeUSD: cfg.PositionSizeUSD,
		Filter:          cfg.Filter,
		Workers:         cfg.WorkerPoolSize,
		Concurrency: map[string]int{
			cfg.Binance.Name: cfg.Binance.Concurrency,
			cfg.Bybit.Name:   cfg.Bybit.Concurrency,
		},
	}
}

// Processor executes signals.
type Processor struct {
	cfg    Config
	filter *SignalFilter
	pool   *WorkerPool
	now    func() time.Time
}

func NewProcessor(cfg Config) *Processor {
	if cfg.ProtectTimeout <= 0 {
		cfg.ProtectTimeout = 30 * time.Second
	}
	names := make([]string, 0, len(cfg.Executors))
	for name := range cfg.Executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Processor{
		cfg:    cfg,
		filter: NewSignalFilter(cfg.Filter, names),
		pool:   NewWorkerPool(cfg.Workers, cfg.Concurrency, 0),
		now:    time.Now,
	}
}

// Exchanges lists the exchanges signals can be routed to.
func (p *Processor) Exchanges() []string {
	names := make([]string, 0, len(p.cfg.Executors))
	for name := range p.cfg.Executors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetClock replaces the time source of the processor and its filter.
func (p *Processor) SetClock(now func() time.Time) {
	p.now = now
	p.filter.now = now
}

// Close waits for running tasks and rejects new batches.
func (p *Processor) Close() { p.pool.Close() }

// Process runs one signal to its outcome.
func (p *Processor) Process(ctx context.Context, sig Signal) Result {
	start := p.now()
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = start
	}
	res := Result{SourceID: sig.SourceID, Exchange: sig.Exchange, Symbol: sig.Symbol}

	if prev, ok := p.consumed(ctx, sig.SourceID); ok {
		res.Outcome = OutcomeSkipped
		res.Reason = fmt.Sprintf("signal already consumed (%s)", prev)
		res.Latency = p.now().Sub(start)
		p.report(sig, res)
		return res
	}

	release := p.run(ctx, sig, &res)
	res.Latency = p.now().Sub(start)
	p.record(ctx, sig, res)
	// Released after the outcome is stored so a redelivery sees it.
	if release != nil {
		release()
	}
	p.report(sig, res)
	return res
}

func (p *Processor) consumed(ctx context.Context, sourceID string) (string, bool) {
	if p.cfg.Signals == nil || sourceID == "" {
		return "", false
	}
	rec, err := p.cfg.Signals.GetSignal(ctx, sourceID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Printf("⚠️ engine: lookup signal %s: %v", sourceID, err)
		}
		return "", false
	}
	return rec.Outcome, rec.Outcome != ""
}

func (p *Processor) run(ctx context.Context, sig Signal, res *Result) (release func()) {
	skip := func(reason string) { res.Outcome, res.Reason = OutcomeSkipped, reason }
	fail := func(err error) { res.Outcome, res.Reason = OutcomeError, err.Error() }

	if ok, reason := p.filter.ShouldProcess(sig); !ok {
		skip(reason)
		return nil
	}
	ex := p.cfg.Executors[sig.Exchange]
	client := ex.Client()

	release, err := p.cfg.Guard.CanProcess(ctx, risk.Ticket{SourceID: sig.SourceID, Exchange: sig.Exchange, Symbol: sig.Symbol})
	if err != nil {
		if isRejection(err) {
			skip(err.Error())
		} else {
			fail(err)
		}
		return nil
	}

	mkt, err := p.checkTradeable(ctx, client, sig.Symbol)
	if errors.Is(err, ErrNotTradeable) {
		skip(err.Error())
		return release
	}
	if err != nil {
		fail(err)
		return release
	}

	leverage := p.cfg.Leverage
	if ceiling := mkt.inst.MaxLeverage; ceiling > 0 && leverage > ceiling {
		leverage = ceiling
	}
	qty, err := SizePosition(p.cfg.PositionSizeUSD, leverage, entryPrice(sig.Direction, mkt.ticker), mkt.inst)
	if errors.Is(err, ErrBelowMinNotional) {
		skip(err.Error())
		return release
	}
	if err != nil {
		fail(err)
		return release
	}
	if p.cfg.Margin != nil {
		price := entryPrice(sig.Direction, mkt.ticker)
		required := qty.Mul(price).Div(decimal.NewFromInt(int64(leverage)))
		if err := p.cfg.Margin.CheckMargin(sig.Exchange, required); err != nil {
			skip(err.Error())
			return release
		}
	}
	if err := client.SetLeverage(ctx, sig.Symbol, leverage); err != nil && !errors.Is(err, common.ErrLeverageNotModified) {
		fail(fmt.Errorf("set leverage %d: %w", leverage, err))
		return release
	}

	exec, err := ex.MarketOrder(ctx, order.Request{Symbol: sig.Symbol, Side: sig.Direction.EntrySide(), Qty: qty})
	res.Execution = &exec
	if !exec.Confirmed() {
		if exec.Outcome == order.OutcomeUnknown || errors.Is(err, common.ErrUnconfirmed) {
			// A fill may exist; count it and let reconciliation adopt it.
			p.cfg.Guard.RecordTrade(ctx)
			p.requestReconcile(sig, "entry unconfirmed")
			fail(fmt.Errorf("entry unconfirmed, left to reconciliation: %w", err))
			return release
		}
		if err == nil {
			err = fmt.Errorf("entry ended %s", exec.Outcome)
		}
		fail(err)
		return release
	}
	p.cfg.Guard.RecordTrade(ctx)

	pos := db.Position{
		Exchange:   sig.Exchange,
		Symbol:     sig.Symbol,
		Side:       sig.Direction,
		EntryPrice: exec.AvgPrice,
		Quantity:   exec.ExecutedQty,
		Leverage:   leverage,
		Status:     db.PositionOpen,
		SourceID:   sig.SourceID,
		OpenedAt:   p.now().UTC(),
	}
	if err := p.cfg.Store.CreatePosition(ctx, &pos); err != nil {
		p.requestReconcile(sig, "entry filled but not stored")
		fail(fmt.Errorf("store position: %w", err))
		return release
	}
	res.PositionID = pos.ID
	res.Outcome = OutcomeExecuted

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ProtectTimeout)
	defer cancel()
	rep, err := p.cfg.Protection.Protect(pctx, &pos)
	res.Protection = &rep
	if err != nil {
		res.Reason = err.Error()
	}
	return release
}

// isRejection separates guard refusals from lookup failures.
func isRejection(err error) bool {
	for _, target := range []error{
		risk.ErrSignalInFlight, risk.ErrSymbolInFlight, risk.ErrCooldown, risk.ErrPositionOpen,
		risk.ErrMaxOpenPositions, risk.ErrDailyTrades, risk.ErrDailyLoss,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (p *Processor) requestReconcile(sig Signal, detail string) {
	p.cfg.Bus.Publish(events.EventReconcileRequested, events.Audit{
		Exchange: sig.Exchange, Symbol: sig.Symbol, Detail: detail,
		Fields: map[string]any{"source_id": sig.SourceID},
	})
}

func (p *Processor) record(ctx context.Context, sig Signal, res Result) {
	if p.cfg.Signals == nil {
		return
	}
	processed := p.now().UTC()
	err := p.cfg.Signals.RecordSignal(ctx, db.SignalRecord{
		SourceID:    sig.SourceID,
		Exchange:    sig.Exchange,
		Symbol:      sig.Symbol,
		Direction:   string(sig.Direction),
		Confidence:  sig.Confidence,
		Outcome:     string(res.Outcome),
		Reason:      res.Reason,
		PositionID:  res.PositionID,
		ReceivedAt:  sig.CreatedAt.UTC(),
		ProcessedAt: &processed,
	})
	if err != nil {
		log.Printf("⚠️ engine: record signal %s: %v", sig.SourceID, err)
	}
}

func (p *Processor) report(sig Signal, res Result) {
	topic := events.EventSignalError
	switch res.Outcome {
	case OutcomeExecuted:
		topic = events.EventSignalExecuted
		log.Printf("✓ engine: %s %s %s executed position=%s (%s)", sig.Exchange, sig.Symbol, sig.Direction, res.PositionID, res.Latency)
	case OutcomeSkipped:
		topic = events.EventSignalSkipped
		log.Printf("engine: signal %s %s skipped: %s", sig.SourceID, sig.Symbol, res.Reason)
	default:
		log.Printf("❌ engine: signal %s %s error: %s", sig.SourceID, sig.Symbol, res.Reason)
	}
	p.cfg.Bus.Publish(topic, events.Audit{
		Exchange: sig.Exchange, Symbol: sig.Symbol, Detail: res.Reason,
		Fields: map[string]any{
			"source_id": sig.SourceID, "direction": sig.Direction, "confidence": sig.Confidence,
			"position_id": res.PositionID, "latency_ms": res.Latency.Milliseconds(),
		},
	})
}

// ProcessBatch runs signals concurrently, bounded by the worker pool and the
// per-exchange ceilings, and waits for all of them. Once started a batch runs
// to completion even if ctx is cancelled; cancellation is checked before it
// starts.
func (p *Processor) ProcessBatch(ctx context.Context, signals []Signal) (BatchStats, []Result, error) {
	stats := BatchStats{Total: len(signals)}
	if err := ctx.Err(); err != nil {
		return stats, nil, err
	}
	work := context.WithoutCancel(ctx)
	results := make([]Result, len(signals))
	done := make(chan struct{}, len(signals))

	submitted := 0
	for i, sig := range signals {
		err := p.pool.Submit(sig.Exchange, func() {
			defer func() { done <- struct{}{} }()
			results[i] = p.Process(work, sig)
		})
		if err != nil {
			results[i] = Result{SourceID: sig.SourceID, Exchange: sig.Exchange, Symbol: sig.Symbol,
				Outcome: OutcomeError, Reason: err.Error()}
			continue
		}
		submitted++
	}
	for ; submitted > 0; submitted-- {
		<-done
	}
	for _, r := range results {
		stats.add(r)
	}
	return stats, results, nil
}

// Run pulls batches from src every interval and processes them until ctx is
// cancelled. Shutdown is honored between batches.
func (p *Processor) Run(ctx context.Context, src Source, interval time.Duration, batchSize int) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	log.Printf("engine: signal loop started (interval=%s batch=%d)", interval, batchSize)
	for {
		select {
		case <-ctx.Done():
			log.Printf("engine: signal loop stopped")
			return
		case <-ticker.C:
		}
		signals, err := src.Pull(ctx, batchSize)
		if err != nil {
			log.Printf("⚠️ engine: pull signals: %v", err)
			continue
		}
		if len(signals) == 0 {
			continue
		}
		stats, _, err := p.ProcessBatch(ctx, signals)
		if err != nil {
			return
		}
		log.Printf("engine: batch total=%d executed=%d skipped=%d errors=%d",
			stats.Total, stats.Executed, stats.Skipped, stats.Errors)
	}
}
