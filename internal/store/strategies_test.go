package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionsrunner/internal/core"
)

const catalogYAML = `
strategies:
  - id: straddle-0920
    user_id: user-1
    basket_id: basket-1
    legs:
      - symbol: NIFTY24SEP24000CE
        underlying: NIFTY
        side: SELL
        quantity: 50
        option_type: CE
        strike_rule: ATM
      - symbol: NIFTY24SEP24000PE
        underlying: NIFTY
        side: SELL
        quantity: 50
        option_type: PE
        strike_rule: ATM
    entry_time: {hour: 9, minute: 20}
    exit_time: {hour: 15, minute: 10}
    weekdays: [MONDAY, WEDNESDAY, FRIDAY]
    dte_min: 0
    dte_max: 2
    timezone: Asia/Kolkata
    active: true
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadStrategies(t *testing.T) {
	s, err := LoadStrategies(writeCatalog(t, catalogYAML))
	require.NoError(t, err)

	inst, err := s.GetStrategy(context.Background(), "straddle-0920")
	require.NoError(t, err)
	assert.Equal(t, "user-1", inst.UserID)
	require.Len(t, inst.Legs, 2)
	assert.Equal(t, []time.Weekday{time.Monday, time.Wednesday, time.Friday}, inst.Weekdays)
	assert.True(t, inst.TradesOn(time.Wednesday))
	assert.False(t, inst.TradesOn(time.Sunday))
	require.NotNil(t, inst.DTE)
	assert.Equal(t, core.DTERange{Min: 0, Max: 2}, *inst.DTE)

	_, err = s.GetStrategy(context.Background(), "missing")
	assert.Error(t, err)

	assert.Len(t, s.List(), 1)
}

func TestLoadStrategiesRejectsBadEntries(t *testing.T) {
	cases := map[string]string{
		"missing id": `
strategies:
  - user_id: user-1
    legs: [{symbol: X, side: BUY, quantity: 1}]
`,
		"no legs": `
strategies:
  - id: s1
    user_id: user-1
    legs: []
`,
		"bad weekday": `
strategies:
  - id: s1
    user_id: user-1
    legs: [{symbol: X, side: BUY, quantity: 1}]
    weekdays: [FUNDAY]
`,
		"duplicate id": `
strategies:
  - id: s1
    user_id: user-1
    legs: [{symbol: X, side: BUY, quantity: 1}]
  - id: s1
    user_id: user-1
    legs: [{symbol: X, side: BUY, quantity: 1}]
`,
		"dte_min without dte_max": `
strategies:
  - id: s1
    user_id: user-1
    legs: [{symbol: X, side: BUY, quantity: 1}]
    dte_min: 1
`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadStrategies(writeCatalog(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadStrategiesWithoutDTEBounds(t *testing.T) {
	s, err := LoadStrategies(writeCatalog(t, `
strategies:
  - id: s1
    user_id: user-1
    legs: [{symbol: X, side: BUY, quantity: 1}]
    weekdays: [MONDAY]
`))
	require.NoError(t, err)

	inst, err := s.GetStrategy(context.Background(), "s1")
	require.NoError(t, err)
	assert.Nil(t, inst.DTE)
}
