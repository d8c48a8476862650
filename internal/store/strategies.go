package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"optionsrunner/internal/core"
	apperrors "optionsrunner/pkg/errors"
)

// strategyFile is the on-disk shape of the strategy catalog.
type strategyFile struct {
	Strategies []strategyEntry `yaml:"strategies"`
}

type strategyEntry struct {
	ID        string                   `yaml:"id"`
	UserID    string                   `yaml:"user_id"`
	BasketID  string                   `yaml:"basket_id"`
	Legs      []core.LegSpec           `yaml:"legs"`
	EntryTime core.TimeOfDay           `yaml:"entry_time"`
	ExitTime  core.TimeOfDay           `yaml:"exit_time"`
	Weekdays  []string                 `yaml:"weekdays"`
	DTEMin    *int                     `yaml:"dte_min"`
	DTEMax    *int                     `yaml:"dte_max"`
	Timezone  string                   `yaml:"timezone"`
	Indicator *core.IndicatorPredicate `yaml:"indicator"`
	Active    bool                     `yaml:"active"`
}

var weekdayNames = map[string]time.Weekday{
	"SUNDAY":    time.Sunday,
	"MONDAY":    time.Monday,
	"TUESDAY":   time.Tuesday,
	"WEDNESDAY": time.Wednesday,
	"THURSDAY":  time.Thursday,
	"FRIDAY":    time.Friday,
	"SATURDAY":  time.Saturday,
}

// YAMLStrategyStore serves strategy instances loaded from a yaml catalog.
// Strategy authoring and lifecycle are external; the execution core only
// reads them.
type YAMLStrategyStore struct {
	mu         sync.RWMutex
	strategies map[string]*core.StrategyInstance
}

var _ core.StrategyStore = (*YAMLStrategyStore)(nil)

// LoadStrategies parses the catalog at path.
func LoadStrategies(path string) (*YAMLStrategyStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read strategy catalog: %w", err)
	}

	var file strategyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse strategy catalog: %w", err)
	}

	s := &YAMLStrategyStore{strategies: make(map[string]*core.StrategyInstance)}
	for _, e := range file.Strategies {
		inst, err := e.toInstance()
		if err != nil {
			return nil, fmt.Errorf("strategy %q: %w", e.ID, err)
		}
		if _, dup := s.strategies[inst.ID]; dup {
			return nil, fmt.Errorf("strategy %q: duplicate id", e.ID)
		}
		s.strategies[inst.ID] = inst
	}
	return s, nil
}

// NewStrategyStore wraps pre-built instances, mainly for tests.
func NewStrategyStore(instances ...*core.StrategyInstance) *YAMLStrategyStore {
	s := &YAMLStrategyStore{strategies: make(map[string]*core.StrategyInstance)}
	for _, inst := range instances {
		s.strategies[inst.ID] = inst
	}
	return s
}

func (e strategyEntry) toInstance() (*core.StrategyInstance, error) {
	if e.ID == "" {
		return nil, fmt.Errorf("%w: missing id", apperrors.ErrConfiguration)
	}
	if e.UserID == "" {
		return nil, fmt.Errorf("%w: missing user_id", apperrors.ErrConfiguration)
	}
	if len(e.Legs) == 0 {
		return nil, fmt.Errorf("%w: no legs", apperrors.ErrConfiguration)
	}

	weekdays := make([]time.Weekday, 0, len(e.Weekdays))
	for _, name := range e.Weekdays {
		wd, ok := weekdayNames[name]
		if !ok {
			return nil, fmt.Errorf("%w: unknown weekday %q", apperrors.ErrConfiguration, name)
		}
		weekdays = append(weekdays, wd)
	}

	// Both bounds or neither: absent keys disable the gate, an explicit
	// [0,0] means expiry day only.
	var dte *core.DTERange
	if e.DTEMin != nil || e.DTEMax != nil {
		if e.DTEMin == nil || e.DTEMax == nil {
			return nil, fmt.Errorf("%w: dte_min and dte_max must be set together", apperrors.ErrConfiguration)
		}
		dte = &core.DTERange{Min: *e.DTEMin, Max: *e.DTEMax}
	}

	return &core.StrategyInstance{
		ID:        e.ID,
		UserID:    e.UserID,
		BasketID:  e.BasketID,
		Legs:      e.Legs,
		EntryTime: e.EntryTime,
		ExitTime:  e.ExitTime,
		Weekdays:  weekdays,
		DTE:       dte,
		Timezone:  e.Timezone,
		Indicator: e.Indicator,
		Active:    e.Active,
	}, nil
}

// GetStrategy returns the instance by id.
func (s *YAMLStrategyStore) GetStrategy(ctx context.Context, id string) (*core.StrategyInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inst, ok := s.strategies[id]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", id)
	}
	return inst, nil
}

// List returns all instances; used by the reconciler to know which strategies
// own positions.
func (s *YAMLStrategyStore) List() []*core.StrategyInstance {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.StrategyInstance, 0, len(s.strategies))
	for _, inst := range s.strategies {
		out = append(out, inst)
	}
	return out
}
