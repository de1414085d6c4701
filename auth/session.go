package auth

import "time"

// UserIdentity is the LINE profile of an authenticated user. Only UserID
// is a stable identifier.
type UserIdentity struct {
	UserID        string `json:"userId" cbor:"1,keyasint"`
	DisplayName   string `json:"displayName" cbor:"2,keyasint,omitempty"`
	PictureURL    string `json:"pictureUrl,omitempty" cbor:"3,keyasint,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty" cbor:"4,keyasint,omitempty"`
}

// SessionRecord binds an identity to a session.
type SessionRecord struct {
	Identity  UserIdentity `cbor:"1,keyasint"`
	LoginTime time.Time    `cbor:"2,keyasint"`
}

// Session is the per-browser state the Controller reads and writes. A
// handle is passed explicitly to every Controller operation.
//
// Implementations need not be safe for concurrent use; a single browser
// session is expected to act serially.
type Session interface {
	// PendingLogin returns the in-flight login, if any.
	PendingLogin() (PendingLogin, bool)
	// SetPendingLogin replaces any in-flight login.
	SetPendingLogin(PendingLogin) error
	// ClearPendingLogin drops the in-flight login. It is a no-op when there
	// is none.
	ClearPendingLogin()
	// Record returns the authenticated identity, if any.
	Record() (SessionRecord, bool)
	// BindRecord stores rec under a freshly generated session identifier,
	// discarding all prior session state.
	BindRecord(rec SessionRecord) error
	// Clear drops the record and any in-flight login.
	Clear()
}
