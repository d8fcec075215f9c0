package session

// Kind distinguishes the two session classes. Owner sessions belong to the
// site owner's DID and may write to the owner's repo; guest sessions belong
// to visitors and reach their own PDS through the guest indirection.
type Kind string

// Session kinds.
const (
	KindOwner Kind = "owner"
	KindGuest Kind = "guest"
)

// guestPrefix marks guest values in the cookie. The prefix exists only at
// the cookie boundary; everything past ParseCookieValue works with the
// typed Descriptor.
const guestPrefix = "guest_"

// Descriptor identifies a session by kind and ID. For owner sessions the ID
// is the session store key; for guest sessions it is the guest ID that
// resolves to the real session key via ResolveGuestSession.
type Descriptor struct {
	Kind Kind
	ID   string
}

// IsGuest reports whether the descriptor names a guest session.
func (d Descriptor) IsGuest() bool {
	return d.Kind == KindGuest
}

// CookieValue encodes the descriptor for the session cookie.
func (d Descriptor) CookieValue() string {
	if d.Kind == KindGuest {
		return guestPrefix + d.ID
	}
	return d.ID
}

// ParseCookieValue decodes a session cookie value into a Descriptor. This is
// the only place the guest prefix is interpreted.
func ParseCookieValue(value string) Descriptor {
	if id, ok := cutGuestPrefix(value); ok {
		return Descriptor{Kind: KindGuest, ID: id}
	}
	return Descriptor{Kind: KindOwner, ID: value}
}

func cutGuestPrefix(value string) (string, bool) {
	if len(value) > len(guestPrefix) && value[:len(guestPrefix)] == guestPrefix {
		return value[len(guestPrefix):], true
	}
	return "", false
}
