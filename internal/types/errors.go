package types

import (
	"errors"
	"fmt"
)

// ConfigurationError is fatal at startup: the process refuses to run
// with an invalid or incomplete configuration.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// ChainQueryError wraps a failed chain RPC call. Observers retry these
// with backoff without advancing their watermark; they are never fatal.
type ChainQueryError struct {
	Chain string
	Op    string
	Err   error
}

func (e *ChainQueryError) Error() string {
	return fmt.Sprintf("chain query %s/%s: %v", e.Chain, e.Op, e.Err)
}

func (e *ChainQueryError) Unwrap() error { return e.Err }

// TransportError covers a single message that could not be delivered or
// accepted. The affected participant contributes nothing to the current
// round; the round itself continues.
type TransportError struct {
	Op          string
	Participant uint32
	Err         error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s (participant %d): %v", e.Op, e.Participant, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ThresholdProtocolError aborts the signing session it names. The DKG
// variant is fatal to the deployment when the surviving participant set
// has dropped below the threshold.
type ThresholdProtocolError struct {
	SessionID string
	Phase     string
	Reason    string
	Fatal     bool
}

func (e *ThresholdProtocolError) Error() string {
	return fmt.Sprintf("threshold protocol %s (session %s): %s", e.Phase, e.SessionID, e.Reason)
}

// LedgerError means the durable store misbehaved. Always fatal: halting
// beats risking a duplicate mint.
type LedgerError struct {
	Op  string
	Err error
}

func (e *LedgerError) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *LedgerError) Unwrap() error { return e.Err }

func IsChainQueryError(err error) bool {
	var e *ChainQueryError
	return errors.As(err, &e)
}

func IsLedgerError(err error) bool {
	var e *LedgerError
	return errors.As(err, &e)
}
