package auth

import (
	"net/http"
	"time"
)

// SessionCookieName is the cookie that carries the session credential.
const SessionCookieName = "session"

// SessionExpiry is how long a session credential stays valid: 5 days
// (432000000 ms). The cookie's Max-Age matches it.
const SessionExpiry = 5 * 24 * time.Hour

// CookiePolicy decides the attributes of the session cookie.
//
// In production the frontend and API live on different sites, so the cookie
// must be SameSite=None, which browsers only accept together with Secure.
// In development everything runs on localhost over plain HTTP and Lax works.
type CookiePolicy struct {
	Production bool
}

// SessionCookie builds the Set-Cookie value for a freshly minted credential.
func (p CookiePolicy) SessionCookie(credential string) *http.Cookie {
	c := p.base()
	c.Value = credential
	c.MaxAge = int(SessionExpiry / time.Second)
	c.Expires = time.Now().Add(SessionExpiry)
	return c
}

// ClearSessionCookie builds a cookie that makes the browser drop the session.
// Attributes must match the ones used when setting it or some browsers keep
// the original.
func (p CookiePolicy) ClearSessionCookie() *http.Cookie {
	c := p.base()
	c.MaxAge = -1
	c.Expires = time.Unix(0, 0)
	return c
}

func (p CookiePolicy) base() *http.Cookie {
	c := &http.Cookie{
		Name:     SessionCookieName,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if p.Production {
		c.Secure = true
		c.SameSite = http.SameSiteNoneMode
	}
	return c
}
