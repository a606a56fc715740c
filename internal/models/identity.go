// internal/models/identity.go
package models

// Identity is the session identity: anonymous when UserID is empty,
// otherwise authenticated as that user. Identities compare with ==.
type Identity struct {
	UserID string `json:"userId,omitempty"`
}

func Anonymous() Identity {
	return Identity{}
}

func Authenticated(userID string) Identity {
	return Identity{UserID: userID}
}

func (i Identity) IsAnonymous() bool {
	return i.UserID == ""
}

func (i Identity) String() string {
	if i.IsAnonymous() {
		return "anonymous"
	}
	return "user:" + i.UserID
}
