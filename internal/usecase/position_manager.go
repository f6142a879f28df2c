package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vitos/crypto_level_bot/internal/domain"
	"go.uber.org/zap"
)

type PositionManagerConfig struct {
	TickInterval   time.Duration
	MaxConcurrency int
	FetchTimeout   time.Duration
	RiskFraction   float64
	Leverage       int
	MaxPositions   int
	MaxExposureUSD float64
	FeeRatePct     float64 // taker fee per side, as fraction of notional
	CloseRetries   int
	CloseBackoff   time.Duration
}

// managedPosition serializes all mutation of one position. Different
// positions are processed in parallel on each monitoring tick.
type managedPosition struct {
	mu  sync.Mutex
	pos *domain.Position
}

// PositionLifecycleManager owns every position from acceptance to close:
// sizing, the dedupe/exposure reservation, the monitoring loop that feeds the
// exit engine, and idempotent close execution.
type PositionLifecycleManager struct {
	cfg     PositionManagerConfig
	exec    domain.ExecutionAdapter
	market  domain.MarketData
	account domain.AccountState
	engine  *ExitRuleEngine
	repo    domain.TradeRepository
	logger  *zap.Logger

	mu        sync.Mutex
	positions map[string]*managedPosition // by position id
	reserved  map[string]float64          // symbol|side -> reserved notional
	trades    []*domain.Trade

	timeNow func() time.Time // For testing
}

func NewPositionLifecycleManager(
	cfg PositionManagerConfig,
	exec domain.ExecutionAdapter,
	market domain.MarketData,
	account domain.AccountState,
	engine *ExitRuleEngine,
	repo domain.TradeRepository,
	logger *zap.Logger,
) *PositionLifecycleManager {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 8
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 2 * time.Second
	}
	if cfg.CloseRetries <= 0 {
		cfg.CloseRetries = 3
	}
	if cfg.CloseBackoff <= 0 {
		cfg.CloseBackoff = 500 * time.Millisecond
	}
	return &PositionLifecycleManager{
		cfg:       cfg,
		exec:      exec,
		market:    market,
		account:   account,
		engine:    engine,
		repo:      repo,
		logger:    logger,
		positions: make(map[string]*managedPosition),
		reserved:  make(map[string]float64),
		timeNow:   time.Now,
	}
}

func dedupeKey(symbol string, side domain.Side) string {
	return symbol + "|" + string(side)
}

// OpenFromOpportunity sizes and opens a position for an accepted opportunity.
// The dedupe key and its notional are reserved atomically before any external
// order is placed, so overlapping refresh cycles can neither open the same
// symbol+direction twice nor jointly overshoot MaxExposureUSD.
func (m *PositionLifecycleManager) OpenFromOpportunity(ctx context.Context, opp *domain.Opportunity) (string, error) {
	if opp == nil || opp.Targets == nil {
		return "", fmt.Errorf("%w: opportunity has no targets", domain.ErrValidationRejected)
	}
	if !opp.Tradable {
		return "", fmt.Errorf("%w: %s", domain.ErrValidationRejected, opp.RejectionReason)
	}

	balance, err := m.account.GetBalance(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: balance: %v", domain.ErrDataUnavailable, err)
	}
	exposure, err := m.account.GetExposure(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: exposure: %v", domain.ErrDataUnavailable, err)
	}

	capital := balance * m.cfg.RiskFraction
	notional := capital * float64(m.cfg.Leverage)
	quantity := notional / opp.Targets.EntryPrice

	key := dedupeKey(opp.Symbol, opp.Direction)

	m.mu.Lock()
	if _, exists := m.reserved[key]; exists {
		m.mu.Unlock()
		return "", domain.ErrDuplicatePosition
	}
	// Reserved keys track live positions; closed ones have released theirs.
	if m.cfg.MaxPositions > 0 && len(m.reserved) >= m.cfg.MaxPositions {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: max positions reached", domain.ErrExposureLimit)
	}
	if m.cfg.MaxExposureUSD > 0 {
		// In-flight opens count against the budget at their reserved size.
		pending := 0.0
		for _, n := range m.reserved {
			pending += n
		}
		if exposure+pending+notional > m.cfg.MaxExposureUSD {
			m.mu.Unlock()
			return "", domain.ErrExposureLimit
		}
	}
	id := uuid.NewString()
	m.reserved[key] = notional
	m.mu.Unlock()

	fill, err := m.exec.OpenPosition(ctx, opp.Symbol, opp.Direction, quantity, m.cfg.Leverage)
	if err != nil {
		m.mu.Lock()
		delete(m.reserved, key)
		m.mu.Unlock()
		return "", fmt.Errorf("%w: open %s: %v", domain.ErrExecutionFailed, opp.Symbol, err)
	}

	pos := &domain.Position{
		ID:               id,
		Symbol:           opp.Symbol,
		Side:             opp.Direction,
		EntryPrice:       fill.Price,
		Quantity:         fill.Quantity,
		Leverage:         m.cfg.Leverage,
		CapitalAllocated: capital,
		NotionalValue:    fill.Price * fill.Quantity,
		EntryTime:        m.timeNow(),
		Status:           domain.StatusOpen,
		StopLossPrice:    opp.Targets.StopLoss,
		TakeProfitPrice:  opp.Targets.ProfitTarget,
	}
	if pos.StopLossPrice <= 0 {
		pos.StopLossPrice = m.engine.InitialStop(pos.Side, pos.EntryPrice)
	}

	m.mu.Lock()
	m.positions[id] = &managedPosition{pos: pos}
	m.reserved[key] = pos.NotionalValue // replace the estimate with the fill
	m.mu.Unlock()

	m.logger.Info("Position opened",
		zap.String("id", id),
		zap.String("symbol", pos.Symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("entry", pos.EntryPrice),
		zap.Float64("qty", pos.Quantity),
		zap.Float64("stop", pos.StopLossPrice))

	m.snapshot(ctx, pos)
	return id, nil
}

// OpportunitySource yields the latest ranked opportunities per symbol.
type OpportunitySource interface {
	GetOpportunities() map[string][]*domain.Opportunity
}

// RunAcceptor drives autonomous entry: on every tick it walks the source's
// tradable opportunities and attempts to open each one. The dedupe and
// exposure reservations decide what actually gets through, so overlapping
// cycles and the manual web path stay safe together.
func (m *PositionLifecycleManager) RunAcceptor(ctx context.Context, source OpportunitySource, interval time.Duration) {
	if interval <= 0 {
		interval = m.cfg.TickInterval
	}
	m.logger.Info("Starting opportunity acceptor", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Opportunity acceptor stopped")
			return
		case <-ticker.C:
			m.acceptPending(ctx, source)
		}
	}
}

func (m *PositionLifecycleManager) acceptPending(ctx context.Context, source OpportunitySource) {
	for symbol, opps := range source.GetOpportunities() {
		for _, opp := range opps {
			if !opp.Tradable {
				continue
			}
			_, err := m.OpenFromOpportunity(ctx, opp)
			switch {
			case err == nil:
			case errors.Is(err, domain.ErrDuplicatePosition), errors.Is(err, domain.ErrExposureLimit):
				// Steady-state outcomes of re-offered opportunities, not faults.
			default:
				m.logger.Warn("Autonomous open failed", zap.String("symbol", symbol), zap.Error(err))
			}
		}
	}
}

// Run is the monitoring loop. It ticks independently of the signal refresh
// cadence and fans out a bounded number of concurrent per-position checks,
// each fetch with its own timeout so one slow symbol cannot stall the tick.
func (m *PositionLifecycleManager) Run(ctx context.Context) {
	m.logger.Info("Starting position monitor", zap.Duration("tick", m.cfg.TickInterval))

	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Position monitor stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *PositionLifecycleManager) tick(ctx context.Context) {
	m.mu.Lock()
	open := make([]*managedPosition, 0, len(m.positions))
	for _, mp := range m.positions {
		open = append(open, mp)
	}
	m.mu.Unlock()

	semaphore := make(chan struct{}, m.cfg.MaxConcurrency)
	var wg sync.WaitGroup
	for _, mp := range open {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(mp *managedPosition) {
			defer wg.Done()
			defer func() { <-semaphore }()
			m.monitorOne(ctx, mp)
		}(mp)
	}
	wg.Wait()
}

// monitorOne fetches price and ATR for one position and runs the exit engine.
// A transient fetch failure is logged and retried next tick.
func (m *PositionLifecycleManager) monitorOne(ctx context.Context, mp *managedPosition) {
	mp.mu.Lock()
	if mp.pos.Status != domain.StatusOpen {
		mp.mu.Unlock()
		return
	}
	id, symbol := mp.pos.ID, mp.pos.Symbol
	mp.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	price, err := m.market.GetCurrentPrice(fetchCtx, symbol)
	cancel()
	if err != nil {
		m.logger.Warn("Price fetch failed, retrying next tick",
			zap.String("id", id), zap.String("symbol", symbol), zap.Error(err))
		return
	}

	fetchCtx, cancel = context.WithTimeout(ctx, m.cfg.FetchTimeout)
	atrPct, err := m.market.GetATRPct(fetchCtx, symbol)
	cancel()
	if err != nil {
		// The dollar ladder works without ATR; only the cap hand-off needs it.
		m.logger.Debug("ATR fetch failed", zap.String("symbol", symbol), zap.Error(err))
		atrPct = 0
	}

	mp.mu.Lock()
	if mp.pos.Status != domain.StatusOpen {
		mp.mu.Unlock()
		return
	}
	decision := m.engine.Evaluate(mp.pos, price, atrPct)
	mp.mu.Unlock()

	if !decision.Close {
		return
	}
	if _, err := m.ClosePosition(ctx, id, decision.Reason); err != nil && !errors.Is(err, domain.ErrAlreadyClosed) {
		m.logger.Error("Close failed, position kept open for retry",
			zap.String("id", id), zap.String("reason", decision.Reason), zap.Error(err))
	}
}

// ClosePosition closes a position idempotently. Concurrent triggers are safe:
// the first caller wins, later ones get ErrAlreadyClosed and exactly one
// Trade is recorded. If the exchange reports the position already flat, it is
// marked closed locally with reason "already_flat" instead of re-issuing an
// order.
func (m *PositionLifecycleManager) ClosePosition(ctx context.Context, id, reason string) (*domain.Trade, error) {
	m.mu.Lock()
	mp, ok := m.positions[id]
	m.mu.Unlock()
	if !ok {
		return nil, domain.ErrPositionNotFound
	}

	mp.mu.Lock()
	defer mp.mu.Unlock()

	if mp.pos.Status == domain.StatusClosed || mp.pos.Status == domain.StatusClosing {
		return nil, domain.ErrAlreadyClosed
	}
	mp.pos.Status = domain.StatusClosing

	onExchange, err := m.exec.HasOpenPosition(ctx, mp.pos.Symbol)
	if err == nil && !onExchange {
		price, perr := m.market.GetCurrentPrice(ctx, mp.pos.Symbol)
		if perr != nil {
			// No price means no honest exit valuation; retry next tick.
			mp.pos.Status = domain.StatusOpen
			return nil, fmt.Errorf("%w: exit price for flat %s: %v", domain.ErrDataUnavailable, mp.pos.Symbol, perr)
		}
		return m.finalizeClose(ctx, mp.pos, price, "already_flat"), nil
	}

	exitPrice, err := m.closeWithRetry(ctx, mp.pos)
	if err != nil {
		// Left in prior state for the next tick, never assumed closed.
		mp.pos.Status = domain.StatusOpen
		return nil, fmt.Errorf("%w: %v", domain.ErrExecutionFailed, err)
	}

	return m.finalizeClose(ctx, mp.pos, exitPrice, reason), nil
}

func (m *PositionLifecycleManager) closeWithRetry(ctx context.Context, pos *domain.Position) (float64, error) {
	backoff := m.cfg.CloseBackoff
	var lastErr error
	for attempt := 0; attempt < m.cfg.CloseRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		price, err := m.exec.ClosePosition(ctx, pos.Symbol, pos.Side, pos.Quantity)
		if err == nil {
			return price, nil
		}
		lastErr = err
		m.logger.Warn("Close attempt failed",
			zap.String("id", pos.ID), zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return 0, lastErr
}

// finalizeClose is called with the position's lock held.
func (m *PositionLifecycleManager) finalizeClose(ctx context.Context, pos *domain.Position, exitPrice float64, reason string) *domain.Trade {
	now := m.timeNow()
	gross := (exitPrice - pos.EntryPrice) * pos.Quantity * pos.Side.Sign()
	fees := m.cfg.FeeRatePct * pos.NotionalValue * 2

	pos.Status = domain.StatusClosed
	pos.ExitTime = now
	pos.ExitPrice = exitPrice
	pos.ExitReason = reason
	pos.RealizedPnL = gross - fees

	trade := &domain.Trade{
		PositionID:  pos.ID,
		Symbol:      pos.Symbol,
		Side:        pos.Side,
		Quantity:    pos.Quantity,
		Leverage:    pos.Leverage,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		EntryTime:   pos.EntryTime,
		ExitTime:    now,
		ExitReason:  reason,
		RealizedPnL: pos.RealizedPnL,
	}

	// The entry stays in the table so late concurrent close attempts see
	// "already closed" rather than "not found". Only the dedupe key frees up.
	m.mu.Lock()
	delete(m.reserved, dedupeKey(pos.Symbol, pos.Side))
	m.trades = append(m.trades, trade)
	m.mu.Unlock()

	m.logger.Info("Position closed",
		zap.String("id", pos.ID),
		zap.String("symbol", pos.Symbol),
		zap.String("reason", reason),
		zap.Float64("exit", exitPrice),
		zap.Float64("pnl", pos.RealizedPnL))

	m.snapshot(ctx, pos)
	if m.repo != nil {
		if err := m.repo.SaveTrade(ctx, trade); err != nil {
			m.logger.Warn("Failed to persist trade", zap.String("id", pos.ID), zap.Error(err))
		}
	}
	return trade
}

func (m *PositionLifecycleManager) snapshot(ctx context.Context, pos *domain.Position) {
	if m.repo == nil {
		return
	}
	if err := m.repo.SavePositionSnapshot(ctx, pos); err != nil {
		m.logger.Warn("Failed to persist position snapshot", zap.String("id", pos.ID), zap.Error(err))
	}
}

// GetPositions returns copies of all currently open positions.
func (m *PositionLifecycleManager) GetPositions() []*domain.Position {
	m.mu.Lock()
	managed := make([]*managedPosition, 0, len(m.positions))
	for _, mp := range m.positions {
		managed = append(managed, mp)
	}
	m.mu.Unlock()

	result := make([]*domain.Position, 0, len(managed))
	for _, mp := range managed {
		mp.mu.Lock()
		cp := *mp.pos
		mp.mu.Unlock()
		if cp.Status == domain.StatusClosed {
			continue
		}
		result = append(result, &cp)
	}
	return result
}

// GetCompletedTrades returns the realized trade history, oldest first.
func (m *PositionLifecycleManager) GetCompletedTrades() []*domain.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*domain.Trade, len(m.trades))
	copy(result, m.trades)
	return result
}
