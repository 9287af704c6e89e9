package httpx

import (
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sync"

	"golang.org/x/net/publicsuffix"

	"courier/internal/model"
)

// recordingJar wraps the stdlib cookie jar and records every cookie the
// transport stores into it. The stdlib jar has no enumeration API, so the
// write path is the only place the new cookie set can be observed.
type recordingJar struct {
	inner http.CookieJar

	mu   sync.Mutex
	seen map[string]model.Cookie
}

// newRecordingJar builds a jar seeded from the persisted cookie set. A nil
// model jar yields a nil recording jar: the transport then runs jarless.
func newRecordingJar(jar *model.CookieJar) (*recordingJar, error) {
	if jar == nil {
		return nil, nil
	}

	inner, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	rj := &recordingJar{inner: inner, seen: make(map[string]model.Cookie)}

	for _, c := range jar.Cookies {
		u := &url.URL{Scheme: "https", Host: c.Domain, Path: c.Path}
		if u.Path == "" {
			u.Path = "/"
		}
		inner.SetCookies(u, []*http.Cookie{{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}})
	}
	return rj, nil
}

func (j *recordingJar) SetCookies(u *url.URL, cookies []*http.Cookie) {
	j.mu.Lock()
	for _, c := range cookies {
		mc := model.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HttpOnly,
		}
		if mc.Domain == "" {
			mc.Domain = u.Hostname()
		}
		if mc.Path == "" {
			mc.Path = "/"
		}
		j.seen[mc.Key()] = mc
	}
	j.mu.Unlock()

	j.inner.SetCookies(u, cookies)
}

func (j *recordingJar) Cookies(u *url.URL) []*http.Cookie {
	return j.inner.Cookies(u)
}

// mergeInto folds the recorded cookies into the persisted jar, deduplicated
// by domain+path+name with the freshly received cookie winning.
func (j *recordingJar) mergeInto(jar *model.CookieJar) {
	j.mu.Lock()
	defer j.mu.Unlock()

	merged := make(map[string]model.Cookie, len(jar.Cookies)+len(j.seen))
	order := make([]string, 0, len(jar.Cookies)+len(j.seen))
	for _, c := range jar.Cookies {
		if _, ok := merged[c.Key()]; !ok {
			order = append(order, c.Key())
		}
		merged[c.Key()] = c
	}
	for key, c := range j.seen {
		if _, ok := merged[key]; !ok {
			order = append(order, key)
		}
		merged[key] = c
	}

	cookies := make([]model.Cookie, 0, len(order))
	for _, key := range order {
		cookies = append(cookies, merged[key])
	}
	jar.Cookies = cookies
}
