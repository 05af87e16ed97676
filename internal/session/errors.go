package session

import "errors"

// Failure taxonomy. Collaborator errors are wrapped with one of these before
// they are logged.
var (
	ErrCredentialUnavailable = errors.New("credential unavailable")
	ErrEstablishmentFailure  = errors.New("session establishment failed")
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	ErrRemoteTermination     = errors.New("session terminated by remote")
)

var (
	ErrClosed         = errors.New("session: controller closed")
	ErrAlreadyRunning = errors.New("session: controller already running")
)
