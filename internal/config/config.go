package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Mode string `yaml:"mode"` // "paper" or "live"

	Exchange struct {
		Name         string `yaml:"name"`
		APIKey       string `yaml:"api_key"`
		APISecret    string `yaml:"api_secret"`
		RESTEndpoint string `yaml:"rest_endpoint"`
		WSEndpoint   string `yaml:"ws_endpoint"`
	} `yaml:"exchange"`

	Symbols []string `yaml:"symbols"`

	Scan struct {
		RefreshSec     int    `yaml:"refresh_sec"`
		Interval       string `yaml:"interval"`
		Lookback       int    `yaml:"lookback"`
		MaxConcurrency int    `yaml:"max_concurrency"`
	} `yaml:"scan"`

	Analyzer struct {
		PivotSpan        int     `yaml:"pivot_span"`
		TolerancePct     float64 `yaml:"tolerance_pct"`
		ATRToleranceMult float64 `yaml:"atr_tolerance_mult"`
		MinTouches       int     `yaml:"min_touches"`
		MaxLevels        int     `yaml:"max_levels"`
	} `yaml:"analyzer"`

	Magnets struct {
		RoundNumbers   bool    `yaml:"round_numbers"`
		VolumeNodes    bool    `yaml:"volume_nodes"`
		Extremes       bool    `yaml:"extremes"`
		MaxDistancePct float64 `yaml:"max_distance_pct"`
	} `yaml:"magnets"`

	Targets struct {
		TargetMult      float64 `yaml:"target_mult"`
		StopMult        float64 `yaml:"stop_mult"`
		MinMovePct      float64 `yaml:"min_move_pct"`
		MaxMovePct      float64 `yaml:"max_move_pct"`
		MinRiskReward   float64 `yaml:"min_risk_reward"`
		MinSampleSize   int     `yaml:"min_sample_size"`
		ReactionHorizon int     `yaml:"reaction_horizon"`
		SlippagePct     float64 `yaml:"slippage_pct"`
	} `yaml:"targets"`

	Ranker struct {
		ScoreThreshold   float64 `yaml:"score_threshold"`
		ConfidenceWeight float64 `yaml:"confidence_weight"`
		MagnetWeight     float64 `yaml:"magnet_weight"`
		RiskRewardWeight float64 `yaml:"risk_reward_weight"`
		MaxSpreadPct     float64 `yaml:"max_spread_pct"`
		MinNotionalUSD   float64 `yaml:"min_notional_usd"`
	} `yaml:"ranker"`

	Risk struct {
		RiskFraction   float64 `yaml:"risk_fraction"`
		Leverage       int     `yaml:"leverage"`
		MaxPositions   int     `yaml:"max_positions"`
		MaxExposureUSD float64 `yaml:"max_exposure_usd"`
		FeeRatePct     float64 `yaml:"fee_rate_pct"`
	} `yaml:"risk"`

	Exit struct {
		TickMs           int     `yaml:"tick_ms"`
		MaxConcurrency   int     `yaml:"max_concurrency"`
		PrimaryTargetUSD float64 `yaml:"primary_target_usd"`
		FloorArmUSD      float64 `yaml:"floor_arm_usd"`
		FloorUSD         float64 `yaml:"floor_usd"`
		StopLossPct      float64 `yaml:"stop_loss_pct"`
	} `yaml:"exit"`

	Trailing struct {
		StartUSD      float64 `yaml:"start_usd"`
		FeeBufferUSD  float64 `yaml:"fee_buffer_usd"`
		StepMode      string  `yaml:"step_mode"` // "dollar" or "percent"
		StepUSD       float64 `yaml:"step_usd"`
		StepPercent   float64 `yaml:"step_percent"`
		CapUSD        float64 `yaml:"cap_usd"`
		HysteresisUSD float64 `yaml:"hysteresis_usd"`
		CooldownSec   int     `yaml:"cooldown_sec"`
		ATRMultiplier float64 `yaml:"atr_multiplier"`
		MinGapPct     float64 `yaml:"min_gap_pct"`
	} `yaml:"trailing"`

	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Mode == "" {
		c.Mode = "paper"
	}
	if c.Scan.RefreshSec == 0 {
		c.Scan.RefreshSec = 30
	}
	if c.Scan.Interval == "" {
		c.Scan.Interval = "5"
	}
	if c.Scan.Lookback == 0 {
		c.Scan.Lookback = 300
	}
	if c.Scan.MaxConcurrency == 0 {
		c.Scan.MaxConcurrency = 5
	}
	if c.Exit.TickMs == 0 {
		c.Exit.TickMs = 3000
	}
	if c.Exit.MaxConcurrency == 0 {
		c.Exit.MaxConcurrency = 8
	}
	if c.Trailing.StepMode == "" {
		c.Trailing.StepMode = "dollar"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "bot.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configurations that would make the exit policy
// self-contradictory. These are fatal at load time, never discovered at
// runtime.
func (c *Config) Validate() error {
	if c.Mode != "paper" && c.Mode != "live" {
		return fmt.Errorf("mode must be paper or live, got %q", c.Mode)
	}
	if c.Exit.PrimaryTargetUSD <= c.Exit.FloorArmUSD {
		return fmt.Errorf("exit: primary_target_usd (%.2f) must exceed floor_arm_usd (%.2f)",
			c.Exit.PrimaryTargetUSD, c.Exit.FloorArmUSD)
	}
	if c.Exit.FloorArmUSD <= c.Exit.FloorUSD {
		return fmt.Errorf("exit: floor_arm_usd (%.2f) must exceed floor_usd (%.2f)",
			c.Exit.FloorArmUSD, c.Exit.FloorUSD)
	}
	if c.Exit.FloorUSD <= 0 {
		return fmt.Errorf("exit: floor_usd must be positive, got %.2f; a floor at or below zero conflicts with the stop-loss-implied loss", c.Exit.FloorUSD)
	}
	if c.Exit.StopLossPct <= 0 {
		return fmt.Errorf("exit: stop_loss_pct must be positive, got %.4f", c.Exit.StopLossPct)
	}
	switch c.Trailing.StepMode {
	case "dollar":
		if c.Trailing.StepUSD <= 0 {
			return fmt.Errorf("trailing: step_usd must be positive in dollar mode")
		}
	case "percent":
		if c.Trailing.StepPercent <= 0 {
			return fmt.Errorf("trailing: step_percent must be positive in percent mode")
		}
	default:
		return fmt.Errorf("trailing: step_mode must be dollar or percent, got %q", c.Trailing.StepMode)
	}
	if c.Trailing.CapUSD < c.Trailing.StartUSD {
		return fmt.Errorf("trailing: cap_usd (%.2f) must not be below start_usd (%.2f)",
			c.Trailing.CapUSD, c.Trailing.StartUSD)
	}
	if c.Risk.RiskFraction <= 0 || c.Risk.RiskFraction > 1 {
		return fmt.Errorf("risk: risk_fraction must be in (0,1], got %.4f", c.Risk.RiskFraction)
	}
	if c.Risk.Leverage <= 0 {
		return fmt.Errorf("risk: leverage must be positive, got %d", c.Risk.Leverage)
	}
	return nil
}
