package twophase

import "fmt"

// ReadFailurePolicy decides what FinishPrepared does when the PREPARE record cannot be
// read back from the WAL.
type ReadFailurePolicy string

const (
	// ReadFailureFailover logs a warning, reports a primary fault and fails the finish.
	ReadFailureFailover ReadFailurePolicy = "failover"
	// ReadFailureError only fails the finish.
	ReadFailureError ReadFailurePolicy = "error"
)

// GidSize bounds the gid, terminator included.
const GidSize = 200

// Config holds the prepared transaction settings. They are fixed at startup.
type Config struct {
	// MaxPreparedXacts is the number of prepared transaction slots.
	MaxPreparedXacts int `yaml:"max_prepared_transactions"`
	// DebugPanicAfterPrepare panics right after a PREPARE record is flushed.
	DebugPanicAfterPrepare bool `yaml:"debug_panic_after_prepare"`
	// ReadFailurePolicy is applied when FinishPrepared cannot read a PREPARE record.
	ReadFailurePolicy ReadFailurePolicy `yaml:"read_failure_policy"`
	// MaxAppendOnlyIntents caps the intent counter of one prepared transaction. Zero
	// disables the cap.
	MaxAppendOnlyIntents int `yaml:"max_append_only_intents"`
}

// DefaultConfig returns the default prepared transaction settings.
func DefaultConfig() Config {
	return Config{
		MaxPreparedXacts:     5,
		ReadFailurePolicy:    ReadFailureFailover,
		MaxAppendOnlyIntents: 1 << 16,
	}
}

// Validate checks the settings.
func (c Config) Validate() error {
	if c.MaxPreparedXacts < 0 {
		return fmt.Errorf("max_prepared_transactions must not be negative, got %d", c.MaxPreparedXacts)
	}
	switch c.ReadFailurePolicy {
	case ReadFailureFailover, ReadFailureError, "":
	default:
		return fmt.Errorf("invalid read_failure_policy %q", c.ReadFailurePolicy)
	}
	if c.MaxAppendOnlyIntents < 0 {
		return fmt.Errorf("max_append_only_intents must not be negative, got %d", c.MaxAppendOnlyIntents)
	}
	return nil
}
