package escalation

import (
	"crypto/hmac"
	"crypto/sha256"
)

// AuthorizedCaller compares the presented scheduler secret against the
// configured one in constant time. An empty configured secret disables
// the endpoint rather than opening it.
func AuthorizedCaller(presented, configured string) bool {
	if configured == "" || presented == "" {
		return false
	}
	got := sha256.Sum256([]byte(presented))
	want := sha256.Sum256([]byte(configured))
	return hmac.Equal(got[:], want[:])
}
