package mimalloc

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrOutOfMemory is reported when the OS or the segment cache cannot supply memory.
	ErrOutOfMemory = errors.New("mimalloc: out of memory")
	// ErrOverflow is reported when a size computation overflows.
	ErrOverflow = errors.New("mimalloc: allocation size overflow")
	// ErrInvalidFree is reported for pointers this allocator does not own.
	ErrInvalidFree = errors.New("mimalloc: invalid free")
	// ErrCorruptFreeList is raised when a free list link points outside its page.
	ErrCorruptFreeList = errors.New("mimalloc: corrupted free list")
	// ErrCommitFailed wraps a failed OS commit.
	ErrCommitFailed = errors.New("mimalloc: commit failed")
	// ErrInvalidOption is returned for unknown or malformed options.
	ErrInvalidOption = errors.New("mimalloc: invalid option")
	// ErrInvalidAlignment is reported for alignments that are not a power of two.
	ErrInvalidAlignment = errors.New("mimalloc: invalid alignment")
)

// errorEvent returns a log event for an allocator error, or nil when errors are
// hidden or the max_errors budget is spent. A nil event swallows all fields.
func (a *Allocator) errorEvent(err error) *zerolog.Event {
	if !a.opts.Verbose {
		if !a.opts.ShowErrors {
			return nil
		}
		if limit := a.opts.MaxErrors; limit >= 0 && a.errorCount.Add(1) > limit {
			return nil
		}
	}
	return log.Error().Err(err)
}

func (a *Allocator) warningEvent() *zerolog.Event {
	if !a.opts.Verbose {
		if !a.opts.ShowErrors {
			return nil
		}
		if limit := a.opts.MaxWarnings; limit >= 0 && a.warningCount.Add(1) > limit {
			return nil
		}
	}
	return log.Warn()
}

func (a *Allocator) verboseEvent() *zerolog.Event {
	if !a.opts.Verbose {
		return nil
	}
	return log.Debug()
}

// fatal logs and aborts. Continuing after a corrupted free list or an invalid
// free in debug mode would corrupt shared state.
func fatal(err error, msg string, addr uintptr) {
	log.Error().Err(err).Str("addr", fmt.Sprintf("%#x", addr)).Msg(msg)
	panic(fmt.Errorf("%s (%#x): %w", msg, addr, err))
}
