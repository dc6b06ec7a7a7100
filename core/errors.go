package core

import "errors"

var (
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrConnectionLost      = errors.New("connection lost")
	ErrNotConnected        = errors.New("not connected to server")
	ErrRoleConflict        = errors.New("role conflict")
	ErrAlreadyRunning      = errors.New("already running")
	ErrNoCaptureDevice     = errors.New("no capture device configured")
	ErrNoSink              = errors.New("no playback sink configured")
	ErrClosed              = errors.New("client closed")
)
