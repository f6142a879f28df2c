package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vitos/crypto_level_bot/internal/config"
	"github.com/vitos/crypto_level_bot/internal/domain"
	"github.com/vitos/crypto_level_bot/internal/infrastructure/exchange"
	"github.com/vitos/crypto_level_bot/internal/infrastructure/logger"
	"github.com/vitos/crypto_level_bot/internal/infrastructure/storage"
	"github.com/vitos/crypto_level_bot/internal/usecase"
	"github.com/vitos/crypto_level_bot/internal/web"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to config file")
	flag.Parse()

	// 1. Load Config
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Init Logger
	var log *zap.Logger
	if cfg.Logging.File != "" {
		log, err = logger.NewFileLogger(cfg.Logging.File, cfg.Logging.Level)
	} else {
		log, err = logger.NewLogger(cfg.Logging.Level)
	}
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// 3. Init Storage
	store, err := storage.NewSQLiteStore(cfg.Storage.Path)
	if err != nil {
		log.Fatal("Failed to init sqlite", zap.Error(err))
	}
	defer store.Close()

	// 4. Market data always comes from Bybit; execution depends on mode.
	bybit := exchange.NewBybitAdapter(
		cfg.Exchange.APIKey, cfg.Exchange.APISecret,
		cfg.Exchange.RESTEndpoint, cfg.Exchange.WSEndpoint, log)
	if err := bybit.ConnectWS(cfg.Symbols); err != nil {
		log.Warn("WS connect failed, using REST prices only", zap.Error(err))
	}

	var exec domain.ExecutionAdapter
	var account domain.AccountState
	if cfg.Mode == "live" {
		exec = bybit
		account = bybit
	} else {
		paper := exchange.NewPaperAdapter(bybit, 10000, log)
		exec = paper
		account = paper
	}
	log.Info("Execution mode", zap.String("mode", cfg.Mode))

	// 5. Signal pipeline
	analyzer := usecase.NewPriceLevelAnalyzer(usecase.LevelAnalyzerConfig{
		PivotSpan:        cfg.Analyzer.PivotSpan,
		TolerancePct:     cfg.Analyzer.TolerancePct,
		ATRToleranceMult: cfg.Analyzer.ATRToleranceMult,
		MinTouches:       cfg.Analyzer.MinTouches,
		MaxLevels:        cfg.Analyzer.MaxLevels,
	})
	magnets := usecase.NewMagnetLevelDetector(usecase.MagnetDetectorConfig{
		RoundNumbers:   cfg.Magnets.RoundNumbers,
		VolumeNodes:    cfg.Magnets.VolumeNodes,
		Extremes:       cfg.Magnets.Extremes,
		MaxDistancePct: cfg.Magnets.MaxDistancePct,
	})
	calculator := usecase.NewStatisticalTargetCalculator(usecase.TargetCalculatorConfig{
		TargetMult:      cfg.Targets.TargetMult,
		StopMult:        cfg.Targets.StopMult,
		MinMovePct:      cfg.Targets.MinMovePct,
		MaxMovePct:      cfg.Targets.MaxMovePct,
		MinRiskReward:   cfg.Targets.MinRiskReward,
		MinSampleSize:   cfg.Targets.MinSampleSize,
		ReactionHorizon: cfg.Targets.ReactionHorizon,
		SlippagePct:     cfg.Targets.SlippagePct,
		TolerancePct:    cfg.Analyzer.TolerancePct,
	})
	ranker := usecase.NewOpportunityRanker(usecase.RankerConfig{
		Symbols:          cfg.Symbols,
		RefreshInterval:  time.Duration(cfg.Scan.RefreshSec) * time.Second,
		Interval:         cfg.Scan.Interval,
		Lookback:         cfg.Scan.Lookback,
		MaxConcurrency:   cfg.Scan.MaxConcurrency,
		ScoreThreshold:   cfg.Ranker.ScoreThreshold,
		ConfidenceWeight: cfg.Ranker.ConfidenceWeight,
		MagnetWeight:     cfg.Ranker.MagnetWeight,
		RiskRewardWeight: cfg.Ranker.RiskRewardWeight,
		MaxSpreadPct:     cfg.Ranker.MaxSpreadPct,
		MinNotionalUSD:   cfg.Ranker.MinNotionalUSD,
		RiskFraction:     cfg.Risk.RiskFraction,
		Leverage:         cfg.Risk.Leverage,
	}, bybit, account, analyzer, magnets, calculator, store, log)

	// 6. Exit policy and position lifecycle
	engine := usecase.NewExitRuleEngine(usecase.ExitConfig{
		PrimaryTargetUSD: cfg.Exit.PrimaryTargetUSD,
		FloorArmUSD:      cfg.Exit.FloorArmUSD,
		FloorUSD:         cfg.Exit.FloorUSD,
		StopLossPct:      cfg.Exit.StopLossPct,
		TrailStartUSD:    cfg.Trailing.StartUSD,
		FeeBufferUSD:     cfg.Trailing.FeeBufferUSD,
		StepMode:         cfg.Trailing.StepMode,
		StepUSD:          cfg.Trailing.StepUSD,
		StepPercent:      cfg.Trailing.StepPercent,
		CapUSD:           cfg.Trailing.CapUSD,
		HysteresisUSD:    cfg.Trailing.HysteresisUSD,
		Cooldown:         time.Duration(cfg.Trailing.CooldownSec) * time.Second,
		ATRMultiplier:    cfg.Trailing.ATRMultiplier,
		MinGapPct:        cfg.Trailing.MinGapPct,
		FeeRatePct:       cfg.Risk.FeeRatePct,
	})
	manager := usecase.NewPositionLifecycleManager(usecase.PositionManagerConfig{
		TickInterval:   time.Duration(cfg.Exit.TickMs) * time.Millisecond,
		MaxConcurrency: cfg.Exit.MaxConcurrency,
		RiskFraction:   cfg.Risk.RiskFraction,
		Leverage:       cfg.Risk.Leverage,
		MaxPositions:   cfg.Risk.MaxPositions,
		MaxExposureUSD: cfg.Risk.MaxExposureUSD,
		FeeRatePct:     cfg.Risk.FeeRatePct,
	}, exec, bybit, account, engine, store, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go ranker.Run(ctx)
	go manager.Run(ctx)
	go manager.RunAcceptor(ctx, ranker, time.Duration(cfg.Scan.RefreshSec)*time.Second)

	// 7. Web API
	server := web.NewServer(cfg.Server.Port, ranker, manager, store, cfg.Mode, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal("Web server failed", zap.Error(err))
		}
	}()

	// 8. Wait for shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info("Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("Web server shutdown failed", zap.Error(err))
	}
}
