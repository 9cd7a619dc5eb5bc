package broker

import (
	"context"
	"sync"
	"time"

	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
	"github.com/patient-imaging/study-access-broker/archive"
	"github.com/patient-imaging/study-access-broker/audit"
	"github.com/patient-imaging/study-access-broker/tokens"
)

type mockArchiveClient struct {
	matches  map[archive.Query][]string
	studies  map[string]archive.StudyRecord
	findErr  error
	studyErr error
	panics   bool

	m       sync.Mutex
	queries []archive.Query
}

func (c *mockArchiveClient) Find(ctx context.Context, q archive.Query) ([]string, error) {
	if c.panics {
		var broken map[string]int
		broken["find"]++
	}
	c.m.Lock()
	c.queries = append(c.queries, q)
	c.m.Unlock()
	if c.findErr != nil {
		return nil, c.findErr
	}
	return c.matches[q], nil
}

func (c *mockArchiveClient) GetStudy(ctx context.Context, studyID string) (archive.StudyRecord, error) {
	if c.studyErr != nil {
		return archive.StudyRecord{}, c.studyErr
	}
	if s, ok := c.studies[studyID]; ok {
		return s, nil
	}
	return archive.StudyRecord{}, archive.ErrStudyNotFound
}

func (c *mockArchiveClient) Queries() []archive.Query {
	c.m.Lock()
	defer c.m.Unlock()
	return append([]archive.Query(nil), c.queries...)
}

func (c *mockArchiveClient) Healthcheck() fthealth.Check {
	return fthealth.Check{
		ID:       "archive-check",
		Severity: 1,
		Checker: func() (string, error) {
			return "", nil
		},
	}
}

type mockIssuer struct {
	err   error
	block bool

	m      sync.Mutex
	issued []string
}

func (i *mockIssuer) Issue(ctx context.Context, studyID string) (tokens.AccessToken, error) {
	if i.block {
		<-ctx.Done()
		return tokens.AccessToken{}, ctx.Err()
	}
	if i.err != nil {
		return tokens.AccessToken{}, i.err
	}
	i.m.Lock()
	i.issued = append(i.issued, studyID)
	i.m.Unlock()
	return tokens.AccessToken{
		Value:           "tok-" + studyID,
		StudyID:         studyID,
		Access:          tokens.ReadOnly,
		ValiditySeconds: 1800,
		ExpiresAt:       time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC),
	}, nil
}

func (i *mockIssuer) Issued() []string {
	i.m.Lock()
	defer i.m.Unlock()
	return append([]string(nil), i.issued...)
}

func (i *mockIssuer) Healthcheck() fthealth.Check {
	return fthealth.Check{
		ID:       "issuer-check",
		Severity: 1,
		Checker: func() (string, error) {
			return "", nil
		},
	}
}

type mockPublisher struct {
	err error

	m      sync.Mutex
	events []audit.Event
}

func (p *mockPublisher) Publish(ctx context.Context, e audit.Event) error {
	p.m.Lock()
	defer p.m.Unlock()
	p.events = append(p.events, e)
	return p.err
}

func (p *mockPublisher) Events() []audit.Event {
	p.m.Lock()
	defer p.m.Unlock()
	return append([]audit.Event(nil), p.events...)
}

func (p *mockPublisher) Healthcheck() fthealth.Check {
	return audit.NopPublisher{}.Healthcheck()
}

type mockComposer struct{}

func (mockComposer) Compose(token string) string {
	return "https://viewer.example/?token=" + token
}
