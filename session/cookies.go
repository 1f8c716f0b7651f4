package session

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"golang.org/x/net/publicsuffix"
)

// CookieJar is an http.CookieJar that can be emptied in place, so clients
// holding it keep working after a purge.
type CookieJar struct {
	mu  sync.RWMutex
	jar *cookiejar.Jar
}

// NewCookieJar returns an empty jar using the public suffix list.
func NewCookieJar() (*CookieJar, error) {
	jar, err := newJar()
	if err != nil {
		return nil, err
	}
	return &CookieJar{jar: jar}, nil
}

func newJar() (*cookiejar.Jar, error) {
	return cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
}

func (j *CookieJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	j.jar.SetCookies(u, cookies)
}

func (j *CookieJar) Cookies(u *url.URL) []*http.Cookie {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.jar.Cookies(u)
}

// Reset drops every cookie.
func (j *CookieJar) Reset() {
	// cookiejar.New only fails on a broken Options value
	jar, _ := newJar()
	j.mu.Lock()
	j.jar = jar
	j.mu.Unlock()
}
