// internal/identity/profiles.go
package identity

import "fmt"

// Profile is a template identities are generated from.
type Profile struct {
	Class     Class    `yaml:"class" json:"class"`
	Platform  string   `yaml:"platform" json:"platform"`
	UserAgent string   `yaml:"user_agent" json:"user_agent"`
	Languages []string `yaml:"languages" json:"languages"`
	Cookies   []Cookie `yaml:"cookies,omitempty" json:"cookies,omitempty"`
}

// Validate checks required profile fields.
func (p Profile) Validate() error {
	if p.Class == "" {
		return fmt.Errorf("identity profile class is required")
	}
	if p.UserAgent == "" {
		return fmt.Errorf("identity profile %s: user_agent is required", p.Class)
	}
	return nil
}

// DefaultProfiles covers each identity class with a handful of common
// clients.
func DefaultProfiles() []Profile {
	return []Profile{
		{
			Class:     ClassDesktop,
			Platform:  "Win32",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			Languages: []string{"en-US", "en"},
		},
		{
			Class:     ClassDesktop,
			Platform:  "MacIntel",
			UserAgent: "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
			Languages: []string{"en-GB", "en"},
		},
		{
			Class:     ClassDesktop,
			Platform:  "Linux x86_64",
			UserAgent: "Mozilla/5.0 (X11; Linux x86_64; rv:125.0) Gecko/20100101 Firefox/125.0",
			Languages: []string{"de-DE", "de", "en"},
		},
		{
			Class:     ClassAndroid,
			Platform:  "Linux armv8l",
			UserAgent: "com.google.android.youtube/19.09.37 (Linux; U; Android 12; US) gzip",
			Languages: []string{"en-US", "en"},
		},
		{
			Class:     ClassAndroid,
			Platform:  "Linux armv8l",
			UserAgent: "Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36",
			Languages: []string{"fr-FR", "fr", "en"},
		},
		{
			Class:     ClassIOS,
			Platform:  "iPhone",
			UserAgent: "com.google.ios.youtube/19.09.3 (iPhone14,3; U; CPU iOS 15_6 like Mac OS X)",
			Languages: []string{"en-US", "en"},
		},
		{
			Class:     ClassTV,
			Platform:  "TV",
			UserAgent: "Mozilla/5.0 (ChromiumStylePlatform) Cobalt/Version",
			Languages: []string{"en-US"},
		},
	}
}

// DefaultIdentity is handed out when the pool cannot serve a request.
func DefaultIdentity(class Class) Identity {
	for _, p := range DefaultProfiles() {
		if p.Class == class {
			id := New(p)
			id.ID = "default-" + string(class)
			id.Default = true
			return id
		}
	}
	id := New(DefaultProfiles()[0])
	id.ID = "default-" + string(ClassDesktop)
	id.Default = true
	return id
}
