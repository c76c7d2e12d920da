// internal/identity/identity.go

// Package identity manages reusable client identity bundles: user agent,
// language preferences, cookies and a fingerprint hash.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/language"
)

// Class groups identities by the client they imitate.
type Class string

const (
	ClassDesktop Class = "desktop"
	ClassAndroid Class = "android"
	ClassIOS     Class = "ios"
	ClassTV      Class = "tv"
)

// Cookie is a cookie carried by an identity.
type Cookie struct {
	Name   string `yaml:"name" json:"name"`
	Value  string `yaml:"value" json:"value"`
	Domain string `yaml:"domain,omitempty" json:"domain,omitempty"`
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
}

// Identity is immutable once created except for LastUsedAt, which only
// the pool updates.
type Identity struct {
	ID              string    `json:"id"`
	Class           Class     `json:"class"`
	Platform        string    `json:"platform"`
	UserAgent       string    `json:"user_agent"`
	LanguageTags    []string  `json:"language_tags"`
	Cookies         []Cookie  `json:"cookies,omitempty"`
	FingerprintHash string    `json:"fingerprint_hash"`
	LastUsedAt      time.Time `json:"last_used_at,omitempty"`
	Default         bool      `json:"default,omitempty"`
}

// AcceptLanguage renders LanguageTags as an Accept-Language header with
// descending quality values.
func (id Identity) AcceptLanguage() string {
	if len(id.LanguageTags) == 0 {
		return "en-US,en;q=0.9"
	}
	parts := make([]string, 0, len(id.LanguageTags))
	for i, tag := range id.LanguageTags {
		if i == 0 {
			parts = append(parts, tag)
			continue
		}
		q := 1.0 - 0.1*float64(i)
		if q < 0.1 {
			q = 0.1
		}
		parts = append(parts, tag+";q="+strconv.FormatFloat(q, 'f', 1, 64))
	}
	return strings.Join(parts, ",")
}

// Apply sets identity headers and cookies on req.
func (id Identity) Apply(req *http.Request) {
	if id.UserAgent != "" {
		req.Header.Set("User-Agent", id.UserAgent)
	}
	req.Header.Set("Accept-Language", id.AcceptLanguage())
	for _, c := range id.Cookies {
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
}

// HTTPCookies converts Cookies for a cookie jar.
func (id Identity) HTTPCookies() []*http.Cookie {
	out := make([]*http.Cookie, 0, len(id.Cookies))
	for _, c := range id.Cookies {
		path := c.Path
		if path == "" {
			path = "/"
		}
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: path})
	}
	return out
}

// PrimaryLanguage returns the first language tag parsed by x/text.
func (id Identity) PrimaryLanguage() language.Tag {
	if len(id.LanguageTags) == 0 {
		return language.AmericanEnglish
	}
	tag, err := language.Parse(id.LanguageTags[0])
	if err != nil {
		return language.Und
	}
	return tag
}

// New builds an identity from a profile and stamps it with a fresh id and
// fingerprint.
func New(p Profile) Identity {
	id := Identity{
		ID:           uuid.NewString(),
		Class:        p.Class,
		Platform:     p.Platform,
		UserAgent:    p.UserAgent,
		LanguageTags: append([]string(nil), p.Languages...),
		Cookies:      append([]Cookie(nil), p.Cookies...),
	}
	id.FingerprintHash = fingerprintHash(id)
	return id
}

// fingerprintHash mixes the identity's visible attributes with a random
// salt so two identities built from one profile stay distinguishable.
func fingerprintHash(id Identity) string {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		copy(salt, []byte(time.Now().String()))
	}
	h := sha256.New()
	h.Write([]byte(string(id.Class)))
	h.Write([]byte{0})
	h.Write([]byte(id.Platform))
	h.Write([]byte{0})
	h.Write([]byte(id.UserAgent))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(id.LanguageTags, ",")))
	h.Write(salt)
	return hex.EncodeToString(h.Sum(nil))
}
