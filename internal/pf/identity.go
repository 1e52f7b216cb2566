package pf

// Identity exposes the authenticated user's server-assigned id.
// Local storage is scoped by it.
type Identity interface {
	UserID() string
}

// StaticIdentity is an Identity with a fixed user id.
type StaticIdentity string

func (s StaticIdentity) UserID() string { return string(s) }
