package entity

import "time"

// Identity is the current user as decoded from the stored credential
type Identity struct {
	UserId    string
	Name      string
	Email     string
	ExpiresAt time.Time
}

// Ref returns the user reference used as the sender of local messages
func (i *Identity) Ref() UserRef {
	name := i.Name
	if name == "" {
		name = "You"
	}
	return UserRef{Id: i.UserId, Name: name}
}

// Expired reports whether the credential behind i has expired at now
func (i *Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}
