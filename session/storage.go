// Package session implements SessionStorage (spec §4.2): per-peer reboot
// detection on the incoming side and outgoing session-id assignment on the
// outgoing side.
package session

import (
	"context"
	"sync"

	"github.com/axmq/someipsd/pkg/logger"
)

// incomingKey identifies a peer on the receive path. Multicast and unicast
// traffic from the same address are tracked separately, since a peer's
// reboot/session-id bookkeeping is logically per-socket-class, not just
// per-address (spec §4.2).
type incomingKey struct {
	Peer      string
	Multicast bool
}

type incomingRecord struct {
	rebootFlag bool
	sessionID  uint16
}

type outgoingRecord struct {
	rebootFlag bool
	sessionID  uint16
}

// Storage tracks, per remote peer, the last-seen (reboot_flag, session_id)
// on receive and the next (reboot_flag, session_id) to send. By default it
// is purely in-memory; NewStorageWithBacking attaches a Store
// (PebbleStore, RedisStore) so a restarted daemon resumes its outgoing
// counters from the persisted records. Records are read from the Store
// only at construction; afterwards each Storage advances its own
// in-memory counters and writes them through, so several daemons sharing
// one RedisStore do not coordinate session ids while running.
type Storage struct {
	mu       sync.Mutex // guards outgoing only — see doc comment below
	incoming map[incomingKey]incomingRecord
	outgoing map[string]outgoingRecord

	incomingMu sync.Mutex

	backing Store
	log     logger.Logger
}

// NewStorage creates an empty, purely in-memory SessionStorage.
func NewStorage() *Storage {
	return &Storage{
		incoming: make(map[incomingKey]incomingRecord),
		outgoing: make(map[string]outgoingRecord),
		log:      logger.Nop{},
	}
}

// NewStorageWithBacking creates a Storage whose outgoing counters are
// durably persisted through backing: it preloads every record backing
// already holds via ListOutgoing, then AssignOutgoing saves the advanced
// counter through backing before returning it. log may be nil.
func NewStorageWithBacking(ctx context.Context, backing Store, log logger.Logger) (*Storage, error) {
	if log == nil {
		log = logger.Nop{}
	}

	s := &Storage{
		incoming: make(map[incomingKey]incomingRecord),
		outgoing: make(map[string]outgoingRecord),
		backing:  backing,
		log:      log,
	}

	records, err := backing.ListOutgoing(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		s.outgoing[rec.Peer] = outgoingRecord{rebootFlag: rec.RebootFlag, sessionID: rec.SessionID}
	}
	return s, nil
}

// CheckReceived records the (reboot flag, session id) just observed from
// peer and reports whether this observation constitutes a reboot. A reboot
// is detected when a record already exists and either:
//   - the previous reboot flag was false and the new one is true, or
//   - both flags are true and the previous session id is nonzero and
//     greater than or equal to the new session id.
//
// The stored record is updated to the new values regardless of outcome.
// SdProtocol calls this from the transport's read goroutines, so the
// incoming map is guarded by incomingMu, which Reset also takes.
func (s *Storage) CheckReceived(peer string, multicast bool, rebootFlag bool, sessionID uint16) bool {
	key := incomingKey{Peer: peer, Multicast: multicast}

	s.incomingMu.Lock()
	defer s.incomingMu.Unlock()

	prev, existed := s.incoming[key]
	rebooted := false
	if existed {
		if !prev.rebootFlag && rebootFlag {
			rebooted = true
		} else if prev.rebootFlag && rebootFlag && prev.sessionID > 0 && prev.sessionID >= sessionID {
			rebooted = true
		}
	}

	s.incoming[key] = incomingRecord{rebootFlag: rebootFlag, sessionID: sessionID}
	return rebooted
}

// AssignOutgoing returns the (reboot flag, session id) to stamp on the next
// outgoing SD datagram to peer (SdProtocol passes the multicast address's
// string for multicast sends), then advances the stored counter: session
// id increments, wrapping from 0xFFFF back to 1 with the reboot flag
// cleared on wrap. A peer seen for the first time starts at (true, 1).
//
// Sends originate from application goroutines as well as the event loop,
// so the outgoing map is guarded by mu; the incoming map has its own
// incomingMu.
func (s *Storage) AssignOutgoing(peer string) (rebootFlag bool, sessionID uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.outgoing[peer]
	if !ok {
		rec = outgoingRecord{rebootFlag: true, sessionID: 1}
	}

	rebootFlag, sessionID = rec.rebootFlag, rec.sessionID

	next := rec
	if rec.sessionID == 0xFFFF {
		next.sessionID = 1
		next.rebootFlag = false
	} else {
		next.sessionID = rec.sessionID + 1
	}
	s.outgoing[peer] = next

	if s.backing != nil {
		err := s.backing.SaveOutgoing(context.Background(), Record{
			Peer: peer, RebootFlag: next.rebootFlag, SessionID: next.sessionID,
		})
		if err != nil {
			s.log.Warn("session: failed to persist outgoing counter", "peer", peer, "error", err)
		}
	}

	return rebootFlag, sessionID
}

// Reset drops every stored record. Used when the transport reports
// connection loss and the engine starts fresh.
func (s *Storage) Reset() {
	s.incomingMu.Lock()
	s.incoming = make(map[incomingKey]incomingRecord)
	s.incomingMu.Unlock()

	s.mu.Lock()
	s.outgoing = make(map[string]outgoingRecord)
	s.mu.Unlock()
}
