package broker

import (
	"context"
	"fmt"
	"time"

	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
	logger "github.com/Financial-Times/go-logger"
	transactionidutils "github.com/Financial-Times/transactionid-utils-go"
	"github.com/patient-imaging/study-access-broker/archive"
	"github.com/patient-imaging/study-access-broker/audit"
	"github.com/patient-imaging/study-access-broker/tokens"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
)

const ambiguityAlertTag = "StudyAccessBrokerAmbiguousAccession"

type Service interface {
	Locate(ctx context.Context, q StudyQuery) (Response, error)
	Record(tid string, be *Error)
	Healthchecks() []fthealth.Check
}

type linkComposer interface {
	Compose(token string) string
}

// AccessService verifies a patient's identity proof against the archive and
// hands out a viewer link scoped to the one study it identifies. It keeps no
// per-request state.
type AccessService struct {
	archive archive.Client
	issuer  tokens.Issuer
	viewer  linkComposer
	audit   audit.Publisher
	metrics *brokerMetrics
}

func NewService(archiveClient archive.Client, issuer tokens.Issuer, viewer linkComposer, publisher audit.Publisher, registry metrics.Registry) *AccessService {
	if publisher == nil {
		publisher = audit.NopPublisher{}
	}
	return &AccessService{
		archive: archiveClient,
		issuer:  issuer,
		viewer:  viewer,
		audit:   publisher,
		metrics: newBrokerMetrics(registry),
	}
}

func (s *AccessService) Locate(ctx context.Context, q StudyQuery) (Response, error) {
	tid, _ := transactionidutils.GetTransactionIDFromContext(ctx)
	start := time.Now()

	resp, token, err := s.locate(ctx, tid, q)
	s.metrics.locate.UpdateSince(start)
	if err != nil {
		be := deadlineError(ctx, asBrokerError(err))
		s.Record(tid, be)
		return Response{}, be
	}

	event := audit.NewEvent(tid, audit.Granted)
	event.ArchiveStudyID = resp.StudyData.ID
	event.StudyInstanceUID = resp.StudyData.StudyInstanceUID
	event.TokenExpiresAt = &token.ExpiresAt
	s.metrics.count(audit.Granted)
	s.publish(event)

	logger.WithTransactionID(tid).WithUUID(resp.StudyData.ID).Infof("Granted read-only access to study until %s", token.ExpiresAt.Format(time.RFC3339))
	return resp, nil
}

// Record counts and audits a failed attempt, including ones rejected before
// reaching Locate.
func (s *AccessService) Record(tid string, be *Error) {
	s.metrics.count(be.Outcome())
	s.publish(audit.NewEvent(tid, be.Outcome()))
}

func (s *AccessService) locate(ctx context.Context, tid string, q StudyQuery) (Response, tokens.AccessToken, error) {
	query, err := q.normalize()
	if err != nil {
		return Response{}, tokens.AccessToken{}, newError(BadRequest, err)
	}

	matches, err := s.archive.Find(ctx, query)
	if err != nil {
		return Response{}, tokens.AccessToken{}, newError(UpstreamUnavailable, err)
	}

	r := resolveMatches(matches)
	switch r.outcome {
	case noMatch:
		return Response{}, tokens.AccessToken{}, newError(NotFound, errors.New("no study matched the accession number and birth date"))
	case ambiguousMatch:
		s.metrics.ambiguous.Inc(1)
		err := errors.New("more than one study matched the accession number and birth date")
		logger.WithError(err).WithTransactionID(tid).
			WithField("alert_tag", ambiguityAlertTag).
			WithField("archive_study_ids", fmt.Sprintf("%v", matches)).
			Error("Refusing to pick a study from an ambiguous match")
		return Response{}, tokens.AccessToken{}, &Error{Kind: NotFound, Err: err, outcome: audit.Ambiguous}
	}

	record, err := s.archive.GetStudy(ctx, r.studyID)
	if err != nil {
		return Response{}, tokens.AccessToken{}, newError(UpstreamUnavailable, err)
	}
	if !recordMatches(record, query) {
		logger.WithTransactionID(tid).WithUUID(r.studyID).
			Warn("Archive returned a study whose tags do not match the find query")
		return Response{}, tokens.AccessToken{}, newError(NotFound, errors.New("study tags do not match the query"))
	}

	token, err := s.issuer.Issue(ctx, r.studyID)
	if err != nil {
		return Response{}, tokens.AccessToken{}, newError(TokenIssuanceFailed, err)
	}

	return Response{StudyData: record, ViewerURL: s.viewer.Compose(token.Value)}, token, nil
}

// deadlineError reports a failure caused by the request running out of time
// as UpstreamUnavailable, whichever step it interrupted.
func deadlineError(ctx context.Context, be *Error) *Error {
	if ctx.Err() == nil || be.Kind == BadRequest || be.Kind == NotFound {
		return be
	}
	return newError(UpstreamUnavailable, errors.Wrap(ctx.Err(), be.Error()))
}

func recordMatches(record archive.StudyRecord, query archive.Query) bool {
	if record.AccessionNumber != query.AccessionNumber {
		return false
	}
	return record.PatientBirthDate == "" || record.PatientBirthDate == query.PatientBirthDate
}

func (s *AccessService) publish(e audit.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.audit.Publish(ctx, e); err != nil {
		logger.WithError(err).WithTransactionID(e.TransactionID).
			WithField("outcome", string(e.Outcome)).
			Error("Failed to publish study access audit event")
	}
}

func (s *AccessService) Healthchecks() []fthealth.Check {
	return []fthealth.Check{
		s.archive.Healthcheck(),
		s.issuer.Healthcheck(),
		s.audit.Healthcheck(),
		s.AccessionUniquenessCheck(),
	}
}

// AccessionUniquenessCheck fails once the archive has returned more than one
// study for an accession number and birth date.
func (s *AccessService) AccessionUniquenessCheck() fthealth.Check {
	return fthealth.Check{
		ID:             "accession-uniqueness-check",
		Name:           "Accession numbers identify a single study",
		BusinessImpact: "Some patients cannot open their study because its accession number is shared with another study",
		Severity:       2,
		PanicGuide:     "https://github.com/patient-imaging/study-access-broker#ambiguous-accession-numbers",
		TechnicalSummary: "The archive returned several studies for one accession number and birth date. " +
			"Search the logs for alert_tag " + ambiguityAlertTag + " and fix the duplicated accession numbers in the archive.",
		Checker: func() (string, error) {
			if n := s.metrics.ambiguous.Count(); n > 0 {
				msg := fmt.Sprintf("%d ambiguous study matches since startup", n)
				return msg, errors.New(msg)
			}
			return "", nil
		},
	}
}
