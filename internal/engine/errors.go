package engine

import (
	"errors"
	"fmt"

	"github.com/bamsammich/ringdd/internal/ring"
)

var (
	// ErrConfig matches every *ConfigError.
	ErrConfig = errors.New("invalid configuration")
	// ErrVerifyMismatch means the output range differs from the input range.
	ErrVerifyMismatch = errors.New("verification failed: content mismatch")
	// errStalled means the ring accepted nothing while work remained.
	errStalled = errors.New("pipeline stalled: ring accepted no requests")
)

// ConfigError rejects a copy job before any I/O is issued.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}

// IOError is a failed read or write of one block.
type IOError struct {
	Op     ring.Op
	Block  int64
	Offset int64
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s block %d at offset %d: %v", e.Op, e.Block, e.Offset, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}
