package session

// Record prefixes in the shared keyspace. Two letters, one per table.
const (
	loginSessionPrefix = "ls"
	userSessionPrefix  = "us"
	handoffPrefix      = "sh"
)

// IAm is the identity profile a provider returned from its "who am I"
// endpoint. It is carried opaquely inside a login session until the
// session is linked to a permanent user.
type IAm struct {
	Provider     string `json:"provider"`
	ResourceName string `json:"resource_name"`
	Email        string `json:"email,omitempty"`
	GivenName    string `json:"given_name,omitempty"`
	FullName     string `json:"full_name,omitempty"`
	PhotoURL     string `json:"photo_url,omitempty"`
}

// LoginSession is an anonymous pre-authentication session. It is created
// empty and mutated in place as the provider identity and then the
// permanent user id arrive. Field tags are deliberately short: these
// records are rewritten on every auth round-trip.
type LoginSession struct {
	Key    string `json:"k"`
	IAm    *IAm   `json:"a,omitempty"`
	UserID string `json:"u,omitempty"`
}

// UserSnapshot is the minimal user profile frozen into a user session at
// issuance time. It is not live-synced to the durable user record.
type UserSnapshot struct {
	UserID      string `json:"i"`
	DisplayName string `json:"d"`
	FullName    string `json:"f,omitempty"`
	PhotoURL    string `json:"p,omitempty"`
}

// UserSession is a session scoped to an identified permanent user.
// Created once per issued User token and immutable afterward.
type UserSession struct {
	Key  string       `json:"k"`
	User UserSnapshot `json:"u"`
}

// StateHandoff correlates a provider redirect back to the login session
// that started it. The code travels as the OAuth `state` parameter; the
// session key never leaves the server. Single logical use: created before
// the redirect, consumed (deleted) on callback.
type StateHandoff struct {
	Code        string `json:"k"`
	SessionKey  string `json:"sk"`
	RedirectURI string `json:"ru,omitempty"`
}
