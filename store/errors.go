package store

import "errors"

// ErrNakSubscription is raised by a ServerServiceListener's
// ClientSubscribed callback to refuse a subscription. TimedStore.Stop
// propagates it synchronously to the caller so the Subscribe handler can
// turn it into an immediate NACK; it is control flow, not a fault.
var ErrNakSubscription = errors.New("store: subscription refused")
