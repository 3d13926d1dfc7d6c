package subscriber

import (
	"github.com/axmq/someipsd/discover"
	"github.com/axmq/someipsd/types"
)

// AutoSubscribeListener is a discover.ClientServiceListener that resolves a
// template eventgroup (possibly wildcarded instance/major version) against
// every service offer it sees and drives subscribe/unsubscribe on a
// Subscriber accordingly (spec §4.9).
type AutoSubscribeListener struct {
	owner    *Subscriber
	template types.Eventgroup
}

// NewAutoSubscribeListener creates a listener that, once registered with
// Discover.WatchService, subscribes owner to template whenever a matching
// service is offered, and unsubscribes when it stops.
func NewAutoSubscribeListener(owner *Subscriber, template types.Eventgroup) *AutoSubscribeListener {
	return &AutoSubscribeListener{owner: owner, template: template}
}

// ServiceOffered implements discover.ClientServiceListener.
func (a *AutoSubscribeListener) ServiceOffered(svc types.Service, peer types.PeerAddr) {
	concrete, ok := a.template.ForService(svc)
	if !ok {
		return
	}
	a.owner.SubscribeEventgroup(concrete, peer)
}

// ServiceStopped implements discover.ClientServiceListener.
func (a *AutoSubscribeListener) ServiceStopped(svc types.Service, peer types.PeerAddr) {
	concrete, ok := a.template.ForService(svc)
	if !ok {
		return
	}
	a.owner.StopSubscribeEventgroup(concrete, peer, false)
}

// Equal reports whether a and other are the same (subscriber identity,
// template eventgroup) pairing. Discover does not call it:
// Discover.StopWatchService matches listeners by pointer identity, so a
// listener is removed only by passing the same *AutoSubscribeListener
// that was registered, not an Equal one.
func (a *AutoSubscribeListener) Equal(other *AutoSubscribeListener) bool {
	return other != nil && a.owner == other.owner && a.template == other.template
}

var _ discover.ClientServiceListener = (*AutoSubscribeListener)(nil)
