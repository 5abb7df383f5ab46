// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w", err) and match with errors.Is.
var (
	// Schema registry errors
	ErrSchemaNotReady    = errors.New("wstap: schema registry not ready")
	ErrNamespaceNotFound = errors.New("wstap: namespace not found")
	ErrNoEnvelopeCodec   = errors.New("wstap: namespace has no envelope codec")

	// Connection errors
	ErrNoConnection     = errors.New("wstap: no eligible open connection")
	ErrConnectionClosed = errors.New("wstap: connection closed")

	// Action errors
	ErrActionUnsupported = errors.New("wstap: action message not supported by schema")

	// Lifecycle errors
	ErrInvalidVersion = errors.New("wstap: invalid version")

	// Configuration errors
	ErrConfigInvalid = errors.New("wstap: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("wstap: daemon not running")
)
