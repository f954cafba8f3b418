package auth

// Kind classifies authentication failures.
type Kind string

const (
	// KindAuthFailed is a generic authentication failure.
	KindAuthFailed Kind = "auth_failed"

	// KindMissingCredentials means a client id or secret was absent.
	KindMissingCredentials Kind = "missing_credentials"

	// KindTokenUnavailable means no token source is present at all, such as
	// a host-delegated flow with nothing injected by the host.
	KindTokenUnavailable Kind = "token_unavailable"

	// KindCLINotInstalled means the delegated CLI binary was not found.
	KindCLINotInstalled Kind = "cli_not_installed"

	// KindNotLoggedIn means the delegated CLI has no active login session.
	KindNotLoggedIn Kind = "not_logged_in"
)

// Error is an authentication failure with a remediation hint. The message
// and remediation never contain secrets or raw tokens.
type Error struct {
	Kind        Kind
	Strategy    string
	Message     string
	Remediation string

	cause error
}

func (e *Error) Error() string {
	msg := e.Strategy + " authentication failed: " + e.Message
	if e.Remediation != "" {
		msg += " (" + e.Remediation + ")"
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.cause
}
