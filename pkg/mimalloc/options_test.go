package mimalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsGetSet(t *testing.T) {
	opts := DefaultOptions()
	assert.True(t, opts.Enabled(OptionEagerCommit))
	assert.Equal(t, int64(8), opts.Get(OptionMaxSegmentReclaim))

	require.NoError(t, opts.Set(OptionMaxSegmentReclaim, 5000))
	assert.Equal(t, int64(1024), opts.GetClamp(OptionMaxSegmentReclaim, 8, 1024))
	require.NoError(t, opts.Set(OptionMaxSegmentReclaim, 1))
	assert.Equal(t, int64(8), opts.GetClamp(OptionMaxSegmentReclaim, 8, 1024))

	require.NoError(t, opts.Set(OptionDebug, 1))
	assert.True(t, opts.Debug)

	err := opts.Set(OptionName("no_such_option"), 1)
	assert.ErrorIs(t, err, ErrInvalidOption)
	assert.Zero(t, opts.Get(OptionName("no_such_option")))
}

func TestOptionsEveryNameResolves(t *testing.T) {
	opts := DefaultOptions()
	for _, name := range OptionNames {
		b, n := opts.field(name)
		assert.True(t, b != nil || n != nil, "option %s", name)
	}
}

func TestOptionsLoadEnv(t *testing.T) {
	t.Setenv("MIMALLOC_EAGER_COMMIT_DELAY", "4")
	t.Setenv("MIMALLOC_VERBOSE", "on")
	t.Setenv("MIMALLOC_SEGMENT_CACHE_MAX", "2k")
	t.Setenv("MIMALLOC_ALLOW_DECOMMIT", "false")
	t.Setenv("MIMALLOC_DECOMMIT_DELAY", "not-a-number")

	opts := DefaultOptions()
	opts.LoadEnv()
	assert.Equal(t, int64(4), opts.EagerCommitDelay)
	assert.True(t, opts.Verbose)
	assert.Equal(t, int64(2048), opts.SegmentCacheMax)
	assert.False(t, opts.AllowDecommit)
	assert.Equal(t, DefaultOptions().DecommitDelay, opts.DecommitDelay)
}

func TestParseOptionValue(t *testing.T) {
	tests := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{"", 1, false},
		{"yes", 1, false},
		{"OFF", 0, false},
		{"42", 42, false},
		{"1m", 1 << 20, false},
		{"3GB", 3 << 30, false},
		{"x1", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseOptionValue(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidOption)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOptionsValidate(t *testing.T) {
	opts := DefaultOptions()
	require.NoError(t, opts.Validate())
	opts.DecommitDelay = -1
	assert.Error(t, opts.Validate())

	_, err := New(opts, nil)
	assert.Error(t, err)
}
