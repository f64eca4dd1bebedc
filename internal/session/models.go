package session

import "time"

// AuthSession is the backend sign-in wrapped by this package: the issued
// tokens plus the identity they belong to. It is opaque to the store beyond
// UserID; token refresh is the auth layer's concern.
type AuthSession struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email,omitempty"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Device identifies the installation a session was created on.
type Device struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// EnhancedSession is a device-scoped authenticated session.
//
// Invariants:
// - At most one entry exists per (userId, deviceId); a new sign-in on the
//   same device supersedes the previous entry.
// - SessionID is derived from the login instant and the device, so it is
//   monotonic per device and stable for the entry's lifetime.
// - All timestamps are UTC.
type EnhancedSession struct {
	SessionID    string      `json:"session_id"`
	Auth         AuthSession `json:"auth"`
	DeviceID     string      `json:"device_id"`
	DeviceName   string      `json:"device_name,omitempty"`
	LoginAt      time.Time   `json:"login_at"`
	LastAccessAt time.Time   `json:"last_access_at"`
}
