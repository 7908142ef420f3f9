// Package model holds the wire and storage types shared across the
// dispatcher's packages: incomer records, transactions, and the envelope
// carried over Redis pub/sub.
package model

// EventSubscription describes one event an incomer wants delivered to it.
// HorizontalScale true means every replica sharing Name should receive the
// event; false means exactly one replica of that name should.
type EventSubscription struct {
	Name            string `json:"name"`
	HorizontalScale bool   `json:"horizontalScale"`
}

// Incomer is a registered client process: a publisher, a subscriber, or
// both. Records live under the registry's single JSON map key.
type Incomer struct {
	ProvidedUUID               string               `json:"providedUUID"`
	BaseUUID                   string               `json:"baseUUID"`
	Name                       string               `json:"name"`
	EventsCast                 []string             `json:"eventsCast"`
	EventsSubscribe            []EventSubscription  `json:"eventsSubscribe"`
	Prefix                     string               `json:"prefix"`
	AliveSince                 int64                `json:"aliveSince"`
	LastActivity               int64                `json:"lastActivity"`
	IsDispatcherActiveInstance bool                 `json:"isDispatcherActiveInstance"`
}

// Casts reports whether the incomer is allowed to publish the named event.
func (i *Incomer) Casts(event string) bool {
	for _, e := range i.EventsCast {
		if e == event {
			return true
		}
	}
	return false
}

// Subscription returns the subscription entry for the named event, if any.
func (i *Incomer) Subscription(event string) (EventSubscription, bool) {
	for _, s := range i.EventsSubscribe {
		if s.Name == event {
			return s, true
		}
	}
	return EventSubscription{}, false
}

// RedisMetadata is the envelope's addressing and transaction bookkeeping
// block, named redisMetadata on the wire for compatibility with the
// existing incomer client libraries this dispatcher serves.
type RedisMetadata struct {
	Origin             string  `json:"origin"`
	To                 string  `json:"to,omitempty"`
	IncomerName        string  `json:"incomerName,omitempty"`
	Prefix             string  `json:"prefix,omitempty"`
	TransactionID      string  `json:"transactionId,omitempty"`
	EventTransactionID string  `json:"eventTransactionId,omitempty"`
	MainTransaction    bool    `json:"mainTransaction,omitempty"`
	RelatedTransaction *string `json:"relatedTransaction,omitempty"`
	Resolved           bool    `json:"resolved,omitempty"`
	Iteration          int     `json:"iteration,omitempty"`
}

// Envelope is the full wire message published on any channel.
type Envelope struct {
	Name          string        `json:"name"`
	Data          any           `json:"data"`
	RedisMetadata RedisMetadata `json:"redisMetadata"`
}

// RegisterPayload is the body of a "register" event's data field.
type RegisterPayload struct {
	Name            string              `json:"name"`
	EventsCast      []string            `json:"eventsCast"`
	EventsSubscribe []EventSubscription `json:"eventsSubscribe"`
	Prefix          string              `json:"prefix"`
}

// ApprovementPayload is the body of an "approvement" event's data field.
type ApprovementPayload struct {
	UUID string `json:"uuid"`
}

// Reserved control event names. register and ping fall back to a
// permissive schema when none is registered (see internal/validation);
// approvement and OK get no such fallback.
const (
	EventRegister    = "register"
	EventApprovement = "approvement"
	EventPing        = "ping"
	EventOK          = "OK"
)

// Transaction is a single side (dispatcher or incomer) of a tracked
// exchange. A non-main Transaction's RelatedTransaction holds the
// TransactionID of the transaction it answers; main transactions leave it
// nil.
type Transaction struct {
	TransactionID      string  `json:"transactionId"`
	Name               string  `json:"name"`
	Data               any     `json:"data"`
	Origin             string  `json:"origin"`
	To                 string  `json:"to,omitempty"`
	IncomerName        string  `json:"incomerName,omitempty"`
	Prefix             string  `json:"prefix,omitempty"`
	EventTransactionID string  `json:"eventTransactionId,omitempty"`
	MainTransaction    bool    `json:"mainTransaction"`
	RelatedTransaction *string `json:"relatedTransaction,omitempty"`
	Resolved           bool    `json:"resolved"`
	Published          bool    `json:"published,omitempty"`
	AliveSince         int64   `json:"aliveSince"`
	Iteration          int     `json:"iteration"`
}

// IsRelatedTo reports whether this transaction answers the given transaction ID.
func (t *Transaction) IsRelatedTo(transactionID string) bool {
	return t.RelatedTransaction != nil && *t.RelatedTransaction == transactionID
}

// StrPtr is a small helper for constructing RelatedTransaction/optional
// string pointers without a throwaway local variable at every call site.
func StrPtr(s string) *string {
	return &s
}
