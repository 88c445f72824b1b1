package strategy

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"grid-core/pkg/exchanges/common"
)

// Config represents a strategy configuration entry in YAML.
type Config struct {
	ID         string                 `yaml:"id"`
	Name       string                 `yaml:"name"`
	Type       string                 `yaml:"type"`
	Symbol     string                 `yaml:"symbol"`
	Interval   string                 `yaml:"interval"`
	Parameters map[string]interface{} `yaml:"parameters"`
	// Filters override exchange-reported rules field by field.
	Filters  common.FilterSpec `yaml:"filters"`
	IsActive bool              `yaml:"is_active"`
}

// ConfigFile represents the top-level YAML structure.
type ConfigFile struct {
	Strategies []Config `yaml:"strategies"`
}

// LoadConfig reads strategies from a YAML file.
func LoadConfig(path string) ([]Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return file.Strategies, nil
}

// Kind parses the entry's type.
func (c Config) Kind() (Kind, error) { return ParseKind(c.Type) }

// FindActive returns the first active entry for symbol whose type is known.
func FindActive(configs []Config, symbol string) (Config, bool) {
	for _, c := range configs {
		if !c.IsActive || !strings.EqualFold(c.Symbol, symbol) {
			continue
		}
		if _, err := c.Kind(); err == nil {
			return c, true
		}
	}
	return Config{}, false
}

// ApplyTo overlays the entry's parameters on base. Unknown keys are ignored;
// values that do not convert are reported.
func (c Config) ApplyTo(base GridConfig) (GridConfig, error) {
	out := base
	if err := c.applyCommon(&out.Name, &out.Symbol, &out.TickInterval); err != nil {
		return base, err
	}

	for key, raw := range c.Parameters {
		var err error
		switch strings.ToLower(key) {
		case "grid_count", "grid_levels":
			out.GridCount, err = cast.ToIntE(raw)
		case "grid_spacing", "grid_spacing_pct":
			out.SpacingPct, err = cast.ToFloat64E(raw)
		case "spacing_mode", "grid_mode":
			var mode string
			mode, err = cast.ToStringE(raw)
			out.Spacing = Spacing(strings.ToLower(mode))
		default:
			err = applySizing(key, raw, &out.StopLossPct, &out.ProfitTargetPct, &out.Quantity)
		}
		if err != nil {
			return base, fmt.Errorf("strategy %s: parameter %s: %w", c.ID, key, err)
		}
	}
	out.Filters = out.Filters.Merge(c.Filters)
	return out, nil
}

// ApplyToCross is ApplyTo for the moving average crossover.
func (c Config) ApplyToCross(base MACrossConfig) (MACrossConfig, error) {
	out := base
	if err := c.applyCommon(&out.Name, &out.Symbol, &out.TickInterval); err != nil {
		return base, err
	}

	for key, raw := range c.Parameters {
		var err error
		switch strings.ToLower(key) {
		case "fast_window", "short_window", "fast_period":
			out.FastWindow, err = cast.ToIntE(raw)
		case "slow_window", "long_window", "slow_period":
			out.SlowWindow, err = cast.ToIntE(raw)
		default:
			err = applySizing(key, raw, &out.StopLossPct, &out.ProfitTargetPct, &out.Quantity)
		}
		if err != nil {
			return base, fmt.Errorf("strategy %s: parameter %s: %w", c.ID, key, err)
		}
	}
	out.Filters = out.Filters.Merge(c.Filters)
	return out, nil
}

func (c Config) applyCommon(name, symbol *string, interval *time.Duration) error {
	if c.Name != "" {
		*name = c.Name
	}
	if c.Symbol != "" {
		*symbol = strings.ToUpper(c.Symbol)
	}
	if c.Interval != "" {
		d, err := time.ParseDuration(c.Interval)
		if err != nil {
			return fmt.Errorf("strategy %s: interval: %w", c.ID, err)
		}
		*interval = d
	}
	return nil
}

func applySizing(key string, raw interface{}, stopLoss, target, qty *float64) (err error) {
	switch strings.ToLower(key) {
	case "stop_loss", "stop_loss_pct":
		*stopLoss, err = cast.ToFloat64E(raw)
	case "profit_target", "profit_target_pct", "take_profit":
		*target, err = cast.ToFloat64E(raw)
	case "quantity", "order_qty", "trade_quantity":
		*qty, err = cast.ToFloat64E(raw)
	}
	return err
}
