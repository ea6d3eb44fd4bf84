package logic

import "errors"

var (
	ErrNotFound       = errors.New("proxy not found")
	ErrStaleEpoch     = errors.New("store was cleared during probe")
	ErrAlreadyRunning = errors.New("already running")
	ErrNotRunning     = errors.New("not running")
	ErrCancelled      = errors.New("cancelled")

	ErrNoEligibleProxy = errors.New("no eligible proxy")
	ErrNotValidated    = errors.New("proxy is not validated")

	ErrProbeTimeout = errors.New("probe timeout")
	ErrProbeConnect = errors.New("probe connect failure")

	ErrRetargetFailure     = errors.New("retarget failed")
	ErrUpstreamUnreachable = errors.New("upstream unreachable")

	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)
