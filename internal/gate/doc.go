// Package gate is the single authority for moving connections out of the
// pending state. Admit registers an inbound attempt (auto-approving it when
// quick-join is on), and Approve/Reject apply operator decisions, failing
// with ErrNotPending once a connection has been decided.
//
// Admissions are rate limited per remote address: more than MaxPending
// attempts inside Window auto-reject with reason rate_limited and return
// ErrRateLimited. The window keys on the host portion of the endpoint, so
// reconnects from new source ports share one budget.
package gate
