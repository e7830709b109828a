package model

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	json "github.com/goccy/go-json"
)

// FilterType identifies the triggering condition a filter evaluates.
type FilterType string

const (
	// FilterPriceChange triggers on the maximum close-to-close price
	// change inside a rolling window of closed candles.
	FilterPriceChange FilterType = "price_change"

	// FilterVolumeSpike triggers when current-window volume exceeds the
	// historical per-window average by a coefficient.
	FilterVolumeSpike FilterType = "volume_spike"
)

// Direction constrains which price moves a filter considers.
type Direction string

const (
	DirectionUp   Direction = "up"   // only positive changes
	DirectionDown Direction = "down" // only negative changes
	DirectionAny  Direction = "any"  // largest absolute change either way
)

// Errors returned while decoding filter definitions.
var (
	ErrUnknownFilterType = errors.New("unknown filter type")
	ErrInvalidParams     = errors.New("invalid filter parameters")
)

// validate is the shared validator instance for parameter structs.
var validate = validator.New()

// FilterDefinition is an immutable snapshot of one user-defined filter,
// consumed per evaluation pass. Its lifecycle (create/update/delete)
// belongs to an external management surface; the core only reads
// enabled definitions.
//
// Exactly one of PriceChange / VolumeSpike is non-nil, matching Type.
type FilterDefinition struct {
	ID      int64
	Name    string
	Type    FilterType
	Market  Market
	Enabled bool

	PriceChange *PriceChangeParams
	VolumeSpike *VolumeSpikeParams
}

// Cooldown reports the filter's cooldown window in minutes, or def when
// the definition does not override it.
func (f *FilterDefinition) Cooldown(def int) int {
	var cd int
	switch f.Type {
	case FilterPriceChange:
		if f.PriceChange != nil {
			cd = f.PriceChange.CooldownMinutes
		}
	case FilterVolumeSpike:
		if f.VolumeSpike != nil {
			cd = f.VolumeSpike.CooldownMinutes
		}
	}
	if cd <= 0 {
		return def
	}
	return cd
}

// Excludes reports whether the filter excludes the given symbol.
func (f *FilterDefinition) Excludes(symbol string) bool {
	var excluded []string
	switch f.Type {
	case FilterPriceChange:
		if f.PriceChange != nil {
			excluded = f.PriceChange.ExcludeSymbols
		}
	case FilterVolumeSpike:
		if f.VolumeSpike != nil {
			excluded = f.VolumeSpike.ExcludeSymbols
		}
	}
	for _, s := range excluded {
		if s == symbol {
			return true
		}
	}
	return false
}

// WindowMinutes reports how many closed candles the filter needs for
// one evaluation.
func (f *FilterDefinition) WindowMinutes() int {
	switch f.Type {
	case FilterPriceChange:
		if f.PriceChange != nil {
			return f.PriceChange.IntervalMinutes
		}
	case FilterVolumeSpike:
		if f.VolumeSpike != nil {
			return f.VolumeSpike.BasePeriodMinutes
		}
	}
	return 0
}

// PriceChangeParams configures a price_change filter.
//
// Thresholds are parsed as float64 from the stored JSON document and
// converted to decimals at evaluation time; they are operator inputs,
// not accumulated quantities.
type PriceChangeParams struct {
	// IntervalMinutes is the rolling window size in closed candles.
	IntervalMinutes int `json:"interval_minutes" validate:"required,oneof=5 10 15 30 60 120 240"`

	// MinChangePercent is the minimum move magnitude that triggers.
	MinChangePercent float64 `json:"min_price_change_percent" validate:"required,gt=0"`

	// Direction gates which moves are considered (defaulted to any).
	Direction Direction `json:"direction" validate:"omitempty,oneof=up down any"`

	// MinVolumePeriod is the minimum summed quote volume over the window.
	MinVolumePeriod float64 `json:"min_volume_period" validate:"gte=0"`

	// MaxVolumePeriod caps the summed window volume; nil means no cap.
	MaxVolumePeriod *float64 `json:"max_volume_period,omitempty" validate:"omitempty,gt=0"`

	// MinVolume24h / MaxVolume24h bound the ticker's 24h quote volume.
	MinVolume24h float64  `json:"min_volume_24h" validate:"gte=0"`
	MaxVolume24h *float64 `json:"max_volume_24h,omitempty" validate:"omitempty,gt=0"`

	// ExcludeSymbols lists symbols this filter never triggers for.
	ExcludeSymbols []string `json:"exclude_coins,omitempty"`

	// CooldownMinutes overrides the global cooldown default when > 0.
	CooldownMinutes int `json:"cooldown_minutes,omitempty" validate:"gte=0"`

	Comment string `json:"comment,omitempty"`
}

// VolumeSpikeParams configures a volume_spike filter.
type VolumeSpikeParams struct {
	// ShortPeriodMinutes is the current-window size in closed candles.
	ShortPeriodMinutes int `json:"short_period_minutes" validate:"required,oneof=5 10 15 30"`

	// BasePeriodMinutes is the full window (historical + current).
	BasePeriodMinutes int `json:"base_period_minutes" validate:"required,oneof=60 120 240,gtfield=ShortPeriodMinutes"`

	// SpikeCoefficient is the minimum current/average volume ratio.
	SpikeCoefficient float64 `json:"spike_coefficient" validate:"required,gte=1"`

	// Direction gates the optional secondary price-change check.
	Direction Direction `json:"price_direction" validate:"omitempty,oneof=up down any"`

	// MinChangePercent enables the secondary price gate when > 0.
	MinChangePercent float64 `json:"min_price_change_percent" validate:"gte=0"`

	MinVolume24h   float64  `json:"min_volume_24h" validate:"gte=0"`
	MaxVolume24h   *float64 `json:"max_volume_24h,omitempty" validate:"omitempty,gt=0"`
	ExcludeSymbols []string `json:"exclude_coins,omitempty"`

	CooldownMinutes int `json:"cooldown_minutes,omitempty" validate:"gte=0"`

	Comment string `json:"comment,omitempty"`
}

// ParseFilterParams decodes and validates the JSON parameter document of
// a filter definition and attaches the typed parameters to def.
//
// A malformed document is a logical/configuration failure: callers skip
// the definition (no-trigger) rather than propagating an error into the
// evaluation pipeline.
func ParseFilterParams(def *FilterDefinition, raw []byte) error {
	switch def.Type {
	case FilterPriceChange:
		var p PriceChangeParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if p.Direction == "" {
			p.Direction = DirectionAny
		}
		if err := validate.Struct(&p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if err := validateVolumeBounds(p.MinVolume24h, p.MaxVolume24h); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		def.PriceChange = &p
		return nil

	case FilterVolumeSpike:
		var p VolumeSpikeParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if p.Direction == "" {
			p.Direction = DirectionAny
		}
		if err := validate.Struct(&p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if err := validateVolumeBounds(p.MinVolume24h, p.MaxVolume24h); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		if p.BasePeriodMinutes/p.ShortPeriodMinutes < 2 {
			// The current window must never be part of the historical
			// average, so at least one full historical interval is needed.
			return fmt.Errorf("%w: base period must cover at least two short periods", ErrInvalidParams)
		}
		def.VolumeSpike = &p
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrUnknownFilterType, def.Type)
	}
}

func validateVolumeBounds(min float64, max *float64) error {
	if max != nil && *max <= min {
		return errors.New("max_volume_24h must be greater than min_volume_24h")
	}
	return nil
}
