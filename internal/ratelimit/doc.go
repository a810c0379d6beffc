// Package ratelimit limits signing requests per client address.
//
// State is in memory and per process. Idle clients are evicted after a
// TTL, and the table has a hard size so a flood of distinct addresses
// cannot grow it without bound; once full, unknown clients are refused.
package ratelimit
