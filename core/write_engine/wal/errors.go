package wal

import "errors"

// --- Error Definitions ---

var (
	ErrLogRecordTooLarge = errors.New("log record too large")
	ErrLogFileError      = errors.New("log file operation error")
	ErrChecksumMismatch  = errors.New("log record checksum mismatch, data corruption suspected")
	ErrInvalidRecord     = errors.New("invalid log record")
	ErrLSNOutOfRange     = errors.New("lsn is outside the retained log")
	ErrSegmentCorrupted  = errors.New("log segment header is corrupted")
	ErrSegmentGap        = errors.New("log segments are not contiguous")
	ErrLogManagerClosed  = errors.New("log manager is closed")
	ErrStopReplay        = errors.New("replay stopped by callback")
)
