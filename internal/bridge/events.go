package bridge

import (
	"sync"
	"time"
)

// defaultEventBuffer is how many events are kept for replay.
const defaultEventBuffer = 1024

// EventKind names a ledger notification.
type EventKind string

const (
	// EventDepositConfirmed credits a deposit D deep on the main chain.
	EventDepositConfirmed EventKind = "DepositConfirmed"

	// EventDepositUnclaimed reports a confirmed deposit that named no
	// recipient. It is credited once its sender address is bound.
	EventDepositUnclaimed EventKind = "DepositUnclaimed"

	// EventWithdrawalBroadcast reports a signed withdrawal handed out.
	EventWithdrawalBroadcast EventKind = "WithdrawalBroadcast"

	// EventWithdrawalConfirmed reports a withdrawal D deep.
	EventWithdrawalConfirmed EventKind = "WithdrawalConfirmed"

	// EventWithdrawalFailed escalates a withdrawal to governance.
	EventWithdrawalFailed EventKind = "WithdrawalFailed"

	// EventRotationCompleted reports a new active trustee set.
	EventRotationCompleted EventKind = "RotationCompleted"

	// EventConsistencyFault reports a reorg past a confirmed transaction.
	EventConsistencyFault EventKind = "ConsistencyFault"

	// EventMisbehaviourReported names a trustee that broke the protocol.
	EventMisbehaviourReported EventKind = "MisbehaviourReported"
)

// Event is one notification to the ledger. Only the fields of its kind
// are set.
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	Time      time.Time `json:"time"`
	TxID      string    `json:"txid,omitempty"`
	Amount    int64     `json:"amount,omitempty"`
	Recipient string    `json:"recipient,omitempty"`
	Referral  string    `json:"referral,omitempty"`
	Sender    string    `json:"sender,omitempty"`
	RequestID string    `json:"requestId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Epoch     uint64    `json:"epoch,omitempty"`
	Session   string    `json:"session,omitempty"`
	Trustee   string    `json:"trustee,omitempty"`
	Height    uint64    `json:"height,omitempty"`
}

// EventLog numbers events, keeps the most recent for replay and fans them
// out to subscribers.
type EventLog struct {
	mu     sync.Mutex
	seq    uint64
	buf    []Event // buf holds the latest events in order
	limit  int
	subs   map[int]chan Event // subs are live subscribers
	nextID int
}

// NewEventLog creates a log keeping limit events. Zero uses the default.
func NewEventLog(limit int) *EventLog {
	if limit <= 0 {
		limit = defaultEventBuffer
	}

	return &EventLog{
		limit: limit,
		subs:  make(map[int]chan Event),
	}
}

// Append stamps e with the next sequence number and publishes it.
// Subscribers that fall behind miss events and can replay with Since.
func (l *EventLog) Append(e Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	l.buf = append(l.buf, e)
	if len(l.buf) > l.limit {
		l.buf = l.buf[len(l.buf)-l.limit:]
	}

	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
		}
	}

	return e
}

// Since returns the kept events with a sequence number above seq.
func (l *EventLog) Since(seq uint64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for _, e := range l.buf {
		if e.Seq > seq {
			out = append(out, e)
		}
	}

	return out
}

// Last returns the latest sequence number.
func (l *EventLog) Last() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.seq
}

// Subscribe returns a channel of new events and a function that closes it.
func (l *EventLog) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}
