package chain

import "net/url"

// redactURL strips credentials and API-key paths from an RPC URL so it can
// be logged.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid-url"
	}
	out := u.Scheme + "://" + u.Host
	if u.Path != "" && u.Path != "/" {
		out += "/***"
	}
	return out
}
