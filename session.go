package zumi

import "context"

// Session is the credential and routing bundle a successful login
// returns. It is immutable: a re-login replaces the whole value, never
// individual fields.
type Session struct {
	UID         string
	SecretKey   string // base64, decodes to 32 bytes
	APIType     int
	APIVersion  string
	Services    map[string]string // service name → base URL
	WSEndpoints []string          // gateway addresses, tried in rotation order
}

// AccountState is the login backend's own view of an account.
type AccountState int

const (
	AccountLoggedOut AccountState = iota
	AccountLoggingIn
	AccountLoggedIn
)

func (s AccountState) String() string {
	switch s {
	case AccountLoggingIn:
		return "logging_in"
	case AccountLoggedIn:
		return "logged_in"
	default:
		return "logged_out"
	}
}

// AccountManager performs logins and holds sessions. AccountClient is
// the bundled REST implementation; tests use fakes.
type AccountManager interface {
	// Login authenticates the account and returns a fresh session.
	// A nil error means a non-nil session; a restarting backend
	// returns ErrLoginUnavailable.
	Login(ctx context.Context, account string) (*Session, error)

	// Session returns the current session, nil when logged out.
	Session(account string) *Session

	// State reports the backend's own phase for the account. The
	// runtime treats it as advisory: session-expiry disconnects force
	// a login even while State still claims logged-in.
	State(account string) AccountState
}

// CookieStore supplies the Cookie header value for gateway handshakes.
type CookieStore interface {
	CookieString(account, origin string) (string, error)
}
