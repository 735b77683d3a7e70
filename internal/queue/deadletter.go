package queue

import (
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
)

type DeadLetterReason string

const (
	DeadLetterReasonMaxDeliveryCount DeadLetterReason = "MaxDeliveryCountExceeded"
	DeadLetterReasonInvalidEnvelope  DeadLetterReason = "InvalidEnvelope"
	DeadLetterReasonRejected         DeadLetterReason = "Rejected"
)

// DeadLetterInfo explains why a message left the work queue for good.
// LastError is populated only from failures that carry a stack trace.
type DeadLetterInfo struct {
	Reason       DeadLetterReason `json:"reason"`
	Description  string           `json:"description"`
	AttemptCount int              `json:"attemptCount"`
	LastError    string           `json:"lastError,omitempty"`
}

// NewDeadLetterInfo builds the record for a failed error value.
func NewDeadLetterInfo(reason DeadLetterReason, err error, attempts int) DeadLetterInfo {
	info := DeadLetterInfo{
		Reason:       reason,
		AttemptCount: attempts,
	}
	if err == nil {
		return info
	}
	info.Description = err.Error()
	if errors.GetReportableStackTrace(err) != nil {
		info.LastError = fmt.Sprintf("%+v", err)
	}
	return info
}

// NewDeadLetterInfoFromMessage builds the record for a failure known only by its text.
func NewDeadLetterInfoFromMessage(reason DeadLetterReason, message string, attempts int) DeadLetterInfo {
	return DeadLetterInfo{
		Reason:       reason,
		Description:  message,
		AttemptCount: attempts,
	}
}

// DeadLetter is what lands on "<queue><dlq suffix>" and in the archive.
type DeadLetter struct {
	Queue      string         `json:"queue"`
	DeliveryID string         `json:"deliveryId"`
	MessageID  string         `json:"messageId,omitempty"`
	Body       string         `json:"body"`
	Info       DeadLetterInfo `json:"info"`
	FailedAt   time.Time      `json:"failedAt"`
}

// NewDeadLetter pairs a delivery with the reason it is being dead-lettered.
func NewDeadLetter(d Delivery, info DeadLetterInfo) DeadLetter {
	return DeadLetter{
		Queue:      d.Queue,
		DeliveryID: d.ID,
		MessageID:  d.MessageID,
		Body:       string(d.Body),
		Info:       info,
		FailedAt:   time.Now().UTC(),
	}
}
