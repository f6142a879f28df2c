package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitos/crypto_level_bot/internal/domain"
	"go.uber.org/zap"
)

type RankerConfig struct {
	Symbols          []string
	RefreshInterval  time.Duration
	Interval         string // kline interval passed to the market data source
	Lookback         int
	MaxConcurrency   int
	ScoreThreshold   float64
	ConfidenceWeight float64
	MagnetWeight     float64
	RiskRewardWeight float64
	MaxSpreadPct     float64 // fraction of mid price
	MinNotionalUSD   float64
	RiskFraction     float64
	Leverage         int
	MagnetTolerance  float64 // price band for matching a magnet to a level, as fraction
}

// OpportunityRanker runs the per-symbol signal pipeline on a refresh cadence:
// level detection, magnet augmentation, target calculation, scoring and
// tradability gating. Each cycle replaces a symbol's batch wholesale.
type OpportunityRanker struct {
	cfg        RankerConfig
	market     domain.MarketData
	account    domain.AccountState
	analyzer   *PriceLevelAnalyzer
	magnets    *MagnetLevelDetector
	calculator *StatisticalTargetCalculator
	repo       domain.TradeRepository
	logger     *zap.Logger

	mu    sync.RWMutex
	batch map[string][]*domain.Opportunity

	timeNow func() time.Time // For testing
}

func NewOpportunityRanker(
	cfg RankerConfig,
	market domain.MarketData,
	account domain.AccountState,
	analyzer *PriceLevelAnalyzer,
	magnets *MagnetLevelDetector,
	calculator *StatisticalTargetCalculator,
	repo domain.TradeRepository,
	logger *zap.Logger,
) *OpportunityRanker {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 30 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if cfg.ConfidenceWeight <= 0 && cfg.MagnetWeight <= 0 && cfg.RiskRewardWeight <= 0 {
		cfg.ConfidenceWeight = 0.6
		cfg.MagnetWeight = 0.2
		cfg.RiskRewardWeight = 0.2
	}
	if cfg.MagnetTolerance <= 0 {
		cfg.MagnetTolerance = 0.003
	}
	return &OpportunityRanker{
		cfg:        cfg,
		market:     market,
		account:    account,
		analyzer:   analyzer,
		magnets:    magnets,
		calculator: calculator,
		repo:       repo,
		logger:     logger,
		batch:      make(map[string][]*domain.Opportunity),
		timeNow:    time.Now,
	}
}

// Run refreshes all symbols immediately, then on every tick until ctx is
// cancelled.
func (r *OpportunityRanker) Run(ctx context.Context) {
	r.logger.Info("Starting opportunity ranker",
		zap.Int("symbols", len(r.cfg.Symbols)),
		zap.Duration("refresh", r.cfg.RefreshInterval))

	ticker := time.NewTicker(r.cfg.RefreshInterval)
	defer ticker.Stop()

	r.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Opportunity ranker stopped")
			return
		case <-ticker.C:
			r.refreshAll(ctx)
		}
	}
}

// refreshAll fans out one analysis task per symbol with bounded concurrency.
// A failure on one symbol never blocks the others.
func (r *OpportunityRanker) refreshAll(ctx context.Context) {
	start := r.timeNow()
	semaphore := make(chan struct{}, r.cfg.MaxConcurrency)
	var wg sync.WaitGroup

	for _, symbol := range r.cfg.Symbols {
		wg.Add(1)
		semaphore <- struct{}{}
		go func(symbol string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			opps, err := r.analyzeSymbol(ctx, symbol)
			if err != nil {
				r.logger.Warn("Symbol analysis failed", zap.String("symbol", symbol), zap.Error(err))
				return
			}
			r.mu.Lock()
			r.batch[symbol] = opps
			r.mu.Unlock()

			if r.repo != nil && len(opps) > 0 {
				if err := r.repo.SaveOpportunities(ctx, opps); err != nil {
					r.logger.Warn("Failed to persist opportunities", zap.String("symbol", symbol), zap.Error(err))
				}
			}
		}(symbol)
	}
	wg.Wait()

	r.logger.Debug("Refresh cycle complete", zap.Duration("took", r.timeNow().Sub(start)))
}

func (r *OpportunityRanker) analyzeSymbol(ctx context.Context, symbol string) ([]*domain.Opportunity, error) {
	candles, err := r.market.GetOHLCV(ctx, symbol, r.cfg.Interval, r.cfg.Lookback)
	if err != nil {
		return nil, fmt.Errorf("%w: ohlcv %s: %v", domain.ErrDataUnavailable, symbol, err)
	}
	currentPrice, err := r.market.GetCurrentPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: price %s: %v", domain.ErrDataUnavailable, symbol, err)
	}

	levels := r.analyzer.Analyze(symbol, candles)
	if len(levels) == 0 {
		return nil, nil
	}
	magnets := r.magnets.Detect(symbol, currentPrice, candles)

	now := r.timeNow()
	var opps []*domain.Opportunity
	for _, level := range levels {
		direction := domain.SideLong
		if level.LevelType == domain.LevelResistance {
			direction = domain.SideShort
		}

		targets, err := r.calculator.Calculate(level, currentPrice, candles, direction)
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientSample) {
				continue
			}
			if errors.Is(err, domain.ErrValidationRejected) {
				opps = append(opps, &domain.Opportunity{
					Symbol:          symbol,
					Level:           level,
					Direction:       direction,
					Tradable:        false,
					RejectionReason: err.Error(),
					GeneratedAt:     now,
				})
				continue
			}
			return nil, err
		}

		magnetBoost := r.magnets.StrengthNear(magnets, level.Price, level.Price*r.cfg.MagnetTolerance)
		score := r.score(targets, magnetBoost)

		opp := &domain.Opportunity{
			Symbol:      symbol,
			Level:       level,
			Targets:     targets,
			Direction:   direction,
			Score:       score,
			GeneratedAt: now,
		}
		opp.Tradable, opp.RejectionReason = r.checkTradable(ctx, symbol, score)
		opps = append(opps, opp)
	}

	sort.Slice(opps, func(i, j int) bool { return opps[i].Score > opps[j].Score })
	return opps, nil
}

// score is a weighted blend on a 0..100 scale. Risk/reward saturates at 3:1.
func (r *OpportunityRanker) score(t *domain.TradingTargets, magnetBoost float64) float64 {
	rrPart := clamp(t.RiskRewardRatio/3, 0, 1) * 100
	return t.ConfidenceScore*r.cfg.ConfidenceWeight +
		magnetBoost*100*r.cfg.MagnetWeight +
		rrPart*r.cfg.RiskRewardWeight
}

// checkTradable applies the live sanity gates: score threshold, order book
// spread and minimum notional at current sizing.
func (r *OpportunityRanker) checkTradable(ctx context.Context, symbol string, score float64) (bool, string) {
	if score < r.cfg.ScoreThreshold {
		return false, fmt.Sprintf("score %.1f below threshold %.1f", score, r.cfg.ScoreThreshold)
	}

	if r.cfg.MaxSpreadPct > 0 {
		book, err := r.market.GetOrderBook(ctx, symbol)
		if err != nil {
			return false, fmt.Sprintf("order book unavailable: %v", err)
		}
		if spread := book.SpreadPct(); spread > r.cfg.MaxSpreadPct {
			return false, fmt.Sprintf("spread %.4f%% above limit", spread*100)
		}
	}

	if r.cfg.MinNotionalUSD > 0 {
		balance, err := r.account.GetBalance(ctx)
		if err != nil {
			return false, fmt.Sprintf("balance unavailable: %v", err)
		}
		notional := balance * r.cfg.RiskFraction * float64(r.cfg.Leverage)
		if notional < r.cfg.MinNotionalUSD {
			return false, fmt.Sprintf("notional %.2f below minimum %.2f", notional, r.cfg.MinNotionalUSD)
		}
	}

	return true, ""
}

// GetOpportunities returns a copy of the latest batch per symbol.
func (r *OpportunityRanker) GetOpportunities() map[string][]*domain.Opportunity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string][]*domain.Opportunity, len(r.batch))
	for symbol, opps := range r.batch {
		cp := make([]*domain.Opportunity, len(opps))
		copy(cp, opps)
		result[symbol] = cp
	}
	return result
}
