package adjustment

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// LevelPolicy decides how many approval levels a new unit needs.
type LevelPolicy interface {
	LevelCount(ctx context.Context, companyID string, amount decimal.Decimal) (int, error)
}

// StaticLevels applies the same chain length to every unit.
type StaticLevels int

// LevelCount implements LevelPolicy.
func (s StaticLevels) LevelCount(context.Context, string, decimal.Decimal) (int, error) {
	if s < 1 {
		return 0, errors.New("adjustment: approval levels must be positive")
	}
	return int(s), nil
}

// Threshold is one amount band of the approval_thresholds table.
type Threshold struct {
	Level     int
	MinAmount decimal.Decimal
	MaxAmount decimal.Decimal // zero when the band is open-ended
}

// ThresholdSource lists the configured amount bands for a company.
type ThresholdSource interface {
	ListThresholds(ctx context.Context, companyID string) ([]Threshold, error)
}

// ThresholdLevels requires every level whose minimum amount the unit reaches.
// Companies without bands fall back to a static chain.
type ThresholdLevels struct {
	Source   ThresholdSource
	Fallback StaticLevels
}

// LevelCount implements LevelPolicy.
func (p ThresholdLevels) LevelCount(ctx context.Context, companyID string, amount decimal.Decimal) (int, error) {
	if p.Source == nil {
		return p.Fallback.LevelCount(ctx, companyID, amount)
	}
	bands, err := p.Source.ListThresholds(ctx, companyID)
	if err != nil {
		return 0, fmt.Errorf("adjustment: load thresholds: %w", err)
	}
	if len(bands) == 0 {
		return p.Fallback.LevelCount(ctx, companyID, amount)
	}
	required := 0
	for _, band := range bands {
		if band.Level > required && amount.GreaterThanOrEqual(band.MinAmount) {
			required = band.Level
		}
	}
	if required < 1 {
		required = 1
	}
	return required, nil
}
