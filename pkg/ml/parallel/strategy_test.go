package parallel_test

import (
	"testing"

	"github.com/ethan626/tnt/pkg/ml/parallel"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStrategy(t *testing.T) {
	s, err := parallel.ParseStrategy("ddp")
	require.NoError(t, err)
	assert.Equal(t, parallel.DDPStrategy{}, s)

	s, err = parallel.ParseStrategy("fsdp")
	require.NoError(t, err)
	assert.Equal(t, parallel.NewFSDPStrategy(), s)

	// Names are exact: no case folding, no aliases.
	for _, bad := range []string{"DDP", "Fsdp", "noop", ""} {
		_, err = parallel.ParseStrategy(bad)
		require.Error(t, err, "strategy %q", bad)
		assert.True(t, errors.Is(err, parallel.ErrInvalidStrategy))
	}
	_, err = parallel.ParseStrategy("foo")
	assert.ErrorContains(t, err, `strategy "foo" not supported`)
}

func TestNewFSDPStrategyDefaults(t *testing.T) {
	s := parallel.NewFSDPStrategy()
	assert.Equal(t, 2, s.LimitAllGathers)
	assert.True(t, s.UseOrigParams)
	assert.Nil(t, s.MixedPrecision)
}
