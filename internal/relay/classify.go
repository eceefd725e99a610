package relay

import "strings"

// verdict is what an upstream response tells us to do next.
type verdict int

const (
	// verdictOK covers 2xx/3xx and business-level 4xx; the response is
	// forwarded to the client as-is.
	verdictOK verdict = iota
	// verdictWAFChallenge is an HTML interstitial where JSON was expected.
	verdictWAFChallenge
	// verdictAuthError is a 401/403, attributed to the account.
	verdictAuthError
	// verdictWAFSuspect is a 5xx with an empty body on a WAF-fronted
	// site, which usually means the cookies went stale mid-flight.
	verdictWAFSuspect
	// verdictCapacity is the upstream's model-at-capacity rejection,
	// worth one short wait before giving up on the account.
	verdictCapacity
	// verdictServerError is any other 5xx, attributed to the account.
	verdictServerError
)

// capacityMarkers are the substrings the upstream uses for its capacity
// rejection, in both its native and English phrasing.
var capacityMarkers = []string{"负载已经达到上限", "rate limit"}

// classify maps an upstream response to the failover action it warrants.
// body is the (possibly truncated) error body, only consulted for 5xx.
func classify(status int, contentType string, body []byte, needWAF bool) verdict {
	if strings.Contains(contentType, "text/html") {
		return verdictWAFChallenge
	}
	if status == 401 || status == 403 {
		return verdictAuthError
	}
	if status >= 500 {
		trimmed := strings.TrimSpace(string(body))
		if needWAF && trimmed == "" {
			return verdictWAFSuspect
		}
		lower := strings.ToLower(trimmed)
		for _, marker := range capacityMarkers {
			if strings.Contains(lower, marker) {
				return verdictCapacity
			}
		}
		return verdictServerError
	}
	return verdictOK
}
