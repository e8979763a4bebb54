// Tags and cookies are opaque correlation values the handshaker hands out
// and later looks up by; randomness only needs to be good enough to avoid
// collisions between concurrent attempts, so both borrow uuid.New()'s CSPRNG
// rather than rolling a separate one.

package handshake

import (
	"github.com/google/uuid"
)

// TagSize is the fixed length of an HS30 tag.
const TagSize = 16

// Tag correlates an HS30 request with its HS70 response before a cookie
// exists.
type Tag [TagSize]byte

// NewTag draws a fresh random tag.
func NewTag() Tag {
	return Tag(uuid.New())
}

// String renders a Tag as hex for logs.
func (t Tag) String() string {
	return uuid.UUID(t).String()
}

// CookieSize is the fixed length of an HS70 cookie.
const CookieSize = 64

// Cookie is the server-issued value a client must echo back in HS38 to
// prove it received the HS70 and owns the address it claims.
type Cookie [CookieSize]byte

// NewCookie draws a fresh random cookie by concatenating four UUIDs, which
// is plenty of entropy for a value that only needs to resist guessing for
// its ~95s GC window.
func NewCookie() Cookie {
	var c Cookie
	for i := 0; i < CookieSize; i += 16 {
		u := uuid.New()
		copy(c[i:], u[:])
	}
	return c
}

// String renders a Cookie as hex for logs.
func (c Cookie) String() string {
	const hexdigits = "0123456789abcdef"
	out := make([]byte, len(c)*2)
	for i, b := range c {
		out[i*2] = hexdigits[b>>4]
		out[i*2+1] = hexdigits[b&0xF]
	}
	return string(out)
}
