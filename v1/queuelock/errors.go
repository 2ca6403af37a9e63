package queuelock

import qerrors "github.com/mirkobrombin/go-queuelock/v1/errors"

// Error kinds returned by the coordinator. Match them with errors.Is.
var (
	ErrGateTimeout      = qerrors.ErrGateTimeout
	ErrCancelled        = qerrors.ErrCancelled
	ErrTicketExpired    = qerrors.ErrTicketExpired
	ErrNotHolder        = qerrors.ErrNotHolder
	ErrEmptyKey         = qerrors.ErrEmptyKey
	ErrStoreUnavailable = qerrors.ErrStoreUnavailable
)
