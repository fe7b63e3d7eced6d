package config

import (
	"fmt"
	"os"
	"strings"

	"perp-monitor/internal/faults"

	"gopkg.in/yaml.v3"
)

// Preferred entry side of a symbol
const (
	SideBuy    = "buy"
	SideSell   = "sell"
	SideEither = "either"
)

// SymbolConfig holds per-symbol parameters, immutable after load
type SymbolConfig struct {
	Symbol        string  `yaml:"symbol"`
	Side          string  `yaml:"side"`
	Leverage      int     `yaml:"leverage"`
	MarginType    string  `yaml:"margin_type"` // ISOLATED or CROSSED
	ClosePosition bool    `yaml:"close_position"`
	BaseAmount    float64 `yaml:"base_amount"` // contracts per entry before the multiplier
	Scalper       bool    `yaml:"scalper"`
}

type symbolFile struct {
	Symbols []SymbolConfig `yaml:"symbols"`
}

// Validate rejects a symbol entry with missing required fields
func (s SymbolConfig) Validate() error {
	var missing []string
	if s.Symbol == "" {
		missing = append(missing, "symbol")
	}
	switch s.Side {
	case SideBuy, SideSell, SideEither:
	default:
		missing = append(missing, "side (buy|sell|either)")
	}
	if s.Leverage <= 0 || s.Leverage > 125 {
		missing = append(missing, "leverage (1-125)")
	}
	if s.BaseAmount <= 0 {
		missing = append(missing, "base_amount")
	}
	if len(missing) > 0 {
		return faults.Newf(faults.ConfigurationInvalid, "symbol config", "%s: missing or invalid: %s",
			s.Symbol, strings.Join(missing, ", "))
	}
	return nil
}

// AllowsSide reports whether an entry on side ("buy"/"sell") is permitted
func (s SymbolConfig) AllowsSide(side string) bool {
	return s.Side == SideEither || strings.EqualFold(s.Side, side)
}

// ParseSymbols decodes and validates a symbol list
func ParseSymbols(data []byte) ([]SymbolConfig, error) {
	var f symbolFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, faults.New(faults.ConfigurationInvalid, "symbol config", fmt.Errorf("error parsing yaml: %w", err))
	}
	if len(f.Symbols) == 0 {
		return nil, faults.Newf(faults.ConfigurationInvalid, "symbol config", "no symbols configured")
	}

	seen := make(map[string]bool, len(f.Symbols))
	for i := range f.Symbols {
		s := &f.Symbols[i]
		s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
		s.Side = strings.ToLower(strings.TrimSpace(s.Side))
		if s.Side == "" {
			s.Side = SideEither
		}
		if s.MarginType == "" {
			s.MarginType = "ISOLATED"
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if seen[s.Symbol] {
			return nil, faults.Newf(faults.ConfigurationInvalid, "symbol config", "duplicate symbol %s", s.Symbol)
		}
		seen[s.Symbol] = true
	}
	return f.Symbols, nil
}

// LoadSymbols reads the symbol list from a YAML file
func LoadSymbols(path string) ([]SymbolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, faults.New(faults.ConfigurationInvalid, "symbol config", fmt.Errorf("error reading %s: %w", path, err))
	}
	return ParseSymbols(data)
}

// Shard returns the [start, end) slice of symbols owned by this process.
// end == 0 means until the end of the list.
func Shard(symbols []SymbolConfig, start, end int) []SymbolConfig {
	if end == 0 || end > len(symbols) {
		end = len(symbols)
	}
	if start < 0 {
		start = 0
	}
	if start >= end {
		return nil
	}
	return symbols[start:end]
}
