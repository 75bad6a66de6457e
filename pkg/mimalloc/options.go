package mimalloc

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// OptionName identifies a tunable allocator option.
type OptionName string

const (
	OptionShowErrors           OptionName = "show_errors"
	OptionVerbose              OptionName = "verbose"
	OptionEagerCommit          OptionName = "eager_commit"
	OptionEagerCommitDelay     OptionName = "eager_commit_delay"
	OptionDecommitDelay        OptionName = "decommit_delay"
	OptionDecommitExtendDelay  OptionName = "decommit_extend_delay"
	OptionSegmentDecommitDelay OptionName = "segment_decommit_delay"
	OptionAllowDecommit        OptionName = "allow_decommit"
	OptionMaxSegmentReclaim    OptionName = "max_segment_reclaim"
	OptionMaxErrors            OptionName = "max_errors"
	OptionMaxWarnings          OptionName = "max_warnings"
	OptionDestroyOnExit        OptionName = "destroy_on_exit"
	OptionEncodeFreelist       OptionName = "encode_freelist"
	OptionDebug                OptionName = "debug"
	OptionSegmentCacheMax      OptionName = "segment_cache_max"
)

// OptionNames lists every option in display order.
var OptionNames = []OptionName{
	OptionShowErrors,
	OptionVerbose,
	OptionEagerCommit,
	OptionEagerCommitDelay,
	OptionDecommitDelay,
	OptionDecommitExtendDelay,
	OptionSegmentDecommitDelay,
	OptionAllowDecommit,
	OptionMaxSegmentReclaim,
	OptionMaxErrors,
	OptionMaxWarnings,
	OptionDestroyOnExit,
	OptionEncodeFreelist,
	OptionDebug,
	OptionSegmentCacheMax,
}

// Options holds the resolved allocator tunables. Durations are in milliseconds.
type Options struct {
	ShowErrors           bool  `toml:"show_errors" json:"show_errors"`
	Verbose              bool  `toml:"verbose" json:"verbose"`
	EagerCommit          bool  `toml:"eager_commit" json:"eager_commit"`
	EagerCommitDelay     int64 `toml:"eager_commit_delay" json:"eager_commit_delay"`
	DecommitDelay        int64 `toml:"decommit_delay" json:"decommit_delay"`
	DecommitExtendDelay  int64 `toml:"decommit_extend_delay" json:"decommit_extend_delay"`
	SegmentDecommitDelay int64 `toml:"segment_decommit_delay" json:"segment_decommit_delay"`
	AllowDecommit        bool  `toml:"allow_decommit" json:"allow_decommit"`
	MaxSegmentReclaim    int64 `toml:"max_segment_reclaim" json:"max_segment_reclaim"`
	MaxErrors            int64 `toml:"max_errors" json:"max_errors"`
	MaxWarnings          int64 `toml:"max_warnings" json:"max_warnings"`
	DestroyOnExit        bool  `toml:"destroy_on_exit" json:"destroy_on_exit"`
	EncodeFreelist       bool  `toml:"encode_freelist" json:"encode_freelist"`
	Debug                bool  `toml:"debug" json:"debug"`
	SegmentCacheMax      int64 `toml:"segment_cache_max" json:"segment_cache_max"`
}

// DefaultOptions returns the built-in option values.
func DefaultOptions() Options {
	return Options{
		EagerCommit:          true,
		EagerCommitDelay:     1,
		DecommitDelay:        25,
		DecommitExtendDelay:  1,
		SegmentDecommitDelay: 500,
		AllowDecommit:        true,
		MaxSegmentReclaim:    8,
		MaxErrors:            16,
		MaxWarnings:          16,
		EncodeFreelist:       true,
		SegmentCacheMax:      16,
	}
}

func (o *Options) field(name OptionName) (b *bool, n *int64) {
	switch name {
	case OptionShowErrors:
		return &o.ShowErrors, nil
	case OptionVerbose:
		return &o.Verbose, nil
	case OptionEagerCommit:
		return &o.EagerCommit, nil
	case OptionEagerCommitDelay:
		return nil, &o.EagerCommitDelay
	case OptionDecommitDelay:
		return nil, &o.DecommitDelay
	case OptionDecommitExtendDelay:
		return nil, &o.DecommitExtendDelay
	case OptionSegmentDecommitDelay:
		return nil, &o.SegmentDecommitDelay
	case OptionAllowDecommit:
		return &o.AllowDecommit, nil
	case OptionMaxSegmentReclaim:
		return nil, &o.MaxSegmentReclaim
	case OptionMaxErrors:
		return nil, &o.MaxErrors
	case OptionMaxWarnings:
		return nil, &o.MaxWarnings
	case OptionDestroyOnExit:
		return &o.DestroyOnExit, nil
	case OptionEncodeFreelist:
		return &o.EncodeFreelist, nil
	case OptionDebug:
		return &o.Debug, nil
	case OptionSegmentCacheMax:
		return nil, &o.SegmentCacheMax
	}
	return nil, nil
}

// Get returns the integer value of an option; booleans read as 0 or 1.
// Unknown names read as 0.
func (o *Options) Get(name OptionName) int64 {
	b, n := o.field(name)
	switch {
	case b != nil:
		if *b {
			return 1
		}
		return 0
	case n != nil:
		return *n
	}
	return 0
}

// GetClamp returns the option value clamped to [lo, hi].
func (o *Options) GetClamp(name OptionName, lo, hi int64) int64 {
	x := o.Get(name)
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Enabled reports whether an option is non-zero.
func (o *Options) Enabled(name OptionName) bool {
	return o.Get(name) != 0
}

// Set assigns an option by name.
func (o *Options) Set(name OptionName, value int64) error {
	b, n := o.field(name)
	switch {
	case b != nil:
		*b = value != 0
	case n != nil:
		*n = value
	default:
		return fmt.Errorf("%w: %s", ErrInvalidOption, name)
	}
	return nil
}

// LoadEnv applies MIMALLOC_<NAME> environment overrides.
func (o *Options) LoadEnv() {
	for _, name := range OptionNames {
		key := "MIMALLOC_" + strings.ToUpper(string(name))
		raw, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		v, err := parseOptionValue(raw)
		if err != nil {
			log.Warn().Str("env", key).Str("value", raw).Msg("ignoring invalid allocator option")
			continue
		}
		_ = o.Set(name, v)
	}
}

func parseOptionValue(raw string) (int64, error) {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "", "1", "true", "yes", "on":
		return 1, nil
	case "0", "false", "no", "off":
		return 0, nil
	}
	// sizes may carry a K/M/G suffix
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "k"), strings.HasSuffix(s, "kb"):
		mult = 1024
	case strings.HasSuffix(s, "m"), strings.HasSuffix(s, "mb"):
		mult = 1024 * 1024
	case strings.HasSuffix(s, "g"), strings.HasSuffix(s, "gb"):
		mult = 1024 * 1024 * 1024
	}
	s = strings.TrimRight(s, "kmgb")
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOption, raw)
	}
	return v * mult, nil
}

// Validate checks option ranges.
func (o *Options) Validate() error {
	if o.EagerCommitDelay < 0 {
		return fmt.Errorf("eager_commit_delay must be >= 0")
	}
	if o.DecommitDelay < 0 || o.DecommitExtendDelay < 0 || o.SegmentDecommitDelay < 0 {
		return fmt.Errorf("decommit delays must be >= 0")
	}
	if o.SegmentCacheMax < 0 {
		return fmt.Errorf("segment_cache_max must be >= 0")
	}
	return nil
}
