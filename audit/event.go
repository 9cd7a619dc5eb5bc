package audit

import (
	"context"
	"time"

	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
	"github.com/google/uuid"
)

type Outcome string

const (
	Granted             Outcome = "granted"
	NotFound            Outcome = "not_found"
	Ambiguous           Outcome = "ambiguous"
	BadRequest          Outcome = "bad_request"
	UpstreamUnavailable Outcome = "upstream_unavailable"
	TokenFailed         Outcome = "token_failed"
	InternalError       Outcome = "internal_error"
)

// Event records one study access attempt. It never carries the identity
// proof or the issued token.
type Event struct {
	ID               string     `json:"id"`
	Time             time.Time  `json:"time"`
	TransactionID    string     `json:"transactionId,omitempty"`
	Outcome          Outcome    `json:"outcome"`
	ArchiveStudyID   string     `json:"archiveStudyId,omitempty"`
	StudyInstanceUID string     `json:"studyInstanceUid,omitempty"`
	TokenExpiresAt   *time.Time `json:"tokenExpiresAt,omitempty"`
}

func NewEvent(transactionID string, outcome Outcome) Event {
	return Event{
		ID:            uuid.New().String(),
		Time:          time.Now().UTC(),
		TransactionID: transactionID,
		Outcome:       outcome,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Healthcheck() fthealth.Check
}

// NopPublisher is used when no audit stream is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error {
	return nil
}

func (NopPublisher) Healthcheck() fthealth.Check {
	return fthealth.Check{
		ID:               "access-audit-stream-check",
		Name:             "Access audit stream",
		BusinessImpact:   "None, access auditing to a stream is disabled",
		Severity:         3,
		PanicGuide:       "https://github.com/patient-imaging/study-access-broker#access-audit",
		TechnicalSummary: "AUDIT_STREAM_NAME is not set so access events are only logged.",
		Checker: func() (string, error) {
			return "audit stream disabled", nil
		},
	}
}
