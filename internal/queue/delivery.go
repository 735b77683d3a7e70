package queue

// Delivery is one message handed to a worker by a consumer.
type Delivery struct {
	ID        string // broker id: stream entry id or AMQP delivery tag
	Queue     string
	MessageID string
	Body      []byte
	Attempt   int
	TraceID   string
	LastError string
	raw       any
}

// Wire field names shared by every broker driver.
const (
	fieldMessageID = "message_id"
	fieldBody      = "body"
	fieldAttempt   = "attempt"
	fieldTraceID   = "trace_id"
	fieldLastError = "last_error"
	fieldDeadInfo  = "dead_letter"
)
