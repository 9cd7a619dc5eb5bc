package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
	logger "github.com/Financial-Times/go-logger"
	"github.com/patient-imaging/study-access-broker/upstream"
	"github.com/pkg/errors"
)

const (
	studyLevel      = "Study"
	findLimit       = 2
	maxResponseSize = 1 << 20
	retryBackoff    = 200 * time.Millisecond
)

var (
	ErrStudyNotFound = errors.New("study not found in archive")
)

// StatusError reports a non-success status from the archive. It carries the
// status for diagnostics and nothing from the request.
type StatusError struct {
	Op         string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("archive %s returned status %d", e.Op, e.StatusCode)
}

type Client interface {
	Find(ctx context.Context, q Query) ([]string, error)
	GetStudy(ctx context.Context, studyID string) (StudyRecord, error)
	Healthcheck() fthealth.Check
}

type RESTClient struct {
	upstream    *upstream.Client
	maxAttempts int
}

func NewClient(address, username, password string, timeout time.Duration, maxAttempts int) (*RESTClient, error) {
	u, err := upstream.NewClient("archive", address, username, password, timeout, maxResponseSize)
	if err != nil {
		return nil, err
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RESTClient{upstream: u, maxAttempts: maxAttempts}, nil
}

// Find runs an exact study-level query and returns the archive identifiers of
// the matching studies.
func (c *RESTClient) Find(ctx context.Context, q Query) ([]string, error) {
	if q.AccessionNumber == "" || q.PatientBirthDate == "" {
		return nil, errors.New("find query requires accession number and birth date")
	}
	body, err := json.Marshal(findRequest{Level: studyLevel, Query: q, Limit: findLimit})
	if err != nil {
		return nil, err
	}

	respBody, status, err := c.requestWithRetry(ctx, http.MethodPost, "/tools/find", body)
	if err != nil {
		return nil, errors.Wrap(err, "archive find failed")
	}
	if status != http.StatusOK {
		return nil, &StatusError{Op: "find", StatusCode: status}
	}

	ids := []string{}
	if err := json.Unmarshal(respBody, &ids); err != nil {
		return nil, errors.Wrap(err, "failed to decode find response")
	}
	return ids, nil
}

// GetStudy fetches the metadata of one study by its archive identifier.
func (c *RESTClient) GetStudy(ctx context.Context, studyID string) (StudyRecord, error) {
	if studyID == "" || strings.ContainsAny(studyID, "/?#") || strings.Contains(studyID, "..") {
		return StudyRecord{}, errors.Errorf("invalid study id %q", studyID)
	}

	respBody, status, err := c.requestWithRetry(ctx, http.MethodGet, "/studies/"+studyID, nil)
	if err != nil {
		return StudyRecord{}, errors.Wrapf(err, "archive study fetch failed for %s", studyID)
	}
	if status == http.StatusNotFound {
		return StudyRecord{}, ErrStudyNotFound
	}
	if status != http.StatusOK {
		return StudyRecord{}, &StatusError{Op: "study fetch", StatusCode: status}
	}

	var s study
	if err := json.Unmarshal(respBody, &s); err != nil {
		return StudyRecord{}, errors.Wrap(err, "failed to decode study response")
	}
	if s.ID == "" {
		s.ID = studyID
	}
	return s.record(), nil
}

func (c *RESTClient) Healthcheck() fthealth.Check {
	return fthealth.Check{
		ID:             "image-archive-check",
		Name:           "Image archive is accessible",
		BusinessImpact: "Patients cannot look up or open their imaging studies",
		Severity:       1,
		PanicGuide:     "https://github.com/patient-imaging/study-access-broker#image-archive",
		TechnicalSummary: "The image archive REST API is inaccessible or rejects the configured credentials. " +
			"Check ARCHIVE_URL, ARCHIVE_USERNAME and ARCHIVE_PASSWORD and that the archive is up.",
		Timeout: 10 * time.Second,
		Checker: func() (string, error) {
			_, status, err := c.upstream.Do(context.Background(), http.MethodGet, "/system", nil)
			if err != nil {
				errMsg := "failed to request system information from the image archive"
				return errMsg, errors.New(errMsg)
			}
			if status != http.StatusOK {
				errMsg := fmt.Sprintf("bad status %d from the image archive", status)
				return errMsg, errors.New(errMsg)
			}
			return "", nil
		},
	}
}

// requestWithRetry repeats idempotent archive calls on transport errors and
// 5xx statuses.
func (c *RESTClient) requestWithRetry(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var (
		respBody []byte
		status   int
		err      error
	)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		respBody, status, err = c.upstream.Do(ctx, method, path, body)
		if err == nil && status < http.StatusInternalServerError {
			return respBody, status, nil
		}
		if attempt == c.maxAttempts {
			break
		}
		logger.WithField("path", path).WithField("status", status).WithField("attempt", attempt).
			Warn("Archive request failed, retrying")
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return respBody, status, err
}
