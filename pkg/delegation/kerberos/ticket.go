// Package kerberos implements the Kerberos Constrained Delegation
// delegation module: a service principal holding a TGT performs
// S4U2Self followed by S4U2Proxy to obtain a service ticket usable on a
// user's behalf against an allow-listed target SPN, caching the result
// until shortly before its expiry.
package kerberos

import "time"

// Ticket records the outcome of one S4U2Self+S4U2Proxy transition for
// targetSPN on behalf of principal: the principal, the target, the expiry
// the cache and renewal logic use, and whether it came from the cache. It
// does not carry the service ticket itself: kdcClient.s4u2Proxy reports
// only the ticket's end time, and nothing in this package assigns backend.
type Ticket struct {
	Principal string
	TargetSPN string
	ExpiresAt time.Time
	CacheHit  bool
	backend   any
}

// needsRenewal reports whether t should be renewed given renewThreshold —
// either it has already expired, or fewer than renewThreshold remain.
func (t *Ticket) needsRenewal(now time.Time, renewThreshold time.Duration) bool {
	return t.ExpiresAt.Sub(now) < renewThreshold
}
