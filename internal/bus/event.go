package bus

import "time"

// Event is one published occurrence. Kind is a dot-delimited name whose
// leading segments form the subscription namespace ("transport.chat_chunk",
// "convo.changed"). Payload's concrete type is fixed per kind by the
// publishing package; subscribers type-assert accordingly.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
