package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
	"github.com/patient-imaging/study-access-broker/upstream"
	"github.com/pkg/errors"
)

const (
	ReadOnly = "ReadOnly"

	maxResponseSize = 64 << 10
)

var (
	ErrTokenMissing = errors.New("authorization response did not contain a token")
)

// AccessToken is a credential for exactly one study. It is never stored.
type AccessToken struct {
	Value           string
	StudyID         string
	Access          string
	ValiditySeconds int
	ExpiresAt       time.Time
}

type Issuer interface {
	Issue(ctx context.Context, studyID string) (AccessToken, error)
	Healthcheck() fthealth.Check
}

type HTTPIssuer struct {
	upstream        *upstream.Client
	dialect         Dialect
	tokenType       string
	validitySeconds int
	now             func() time.Time
}

func NewIssuer(address, username, password string, dialect Dialect, tokenType string, validitySeconds int, timeout time.Duration) (*HTTPIssuer, error) {
	if validitySeconds <= 0 {
		return nil, errors.Errorf("token validity must be positive, got %d", validitySeconds)
	}
	if dialect.SendType && tokenType == "" {
		return nil, errors.Errorf("dialect %s requires a token type", dialect.Name)
	}
	u, err := upstream.NewClient("authorization service", address, username, password, timeout, maxResponseSize)
	if err != nil {
		return nil, err
	}
	return &HTTPIssuer{
		upstream:        u,
		dialect:         dialect,
		tokenType:       tokenType,
		validitySeconds: validitySeconds,
		now:             time.Now,
	}, nil
}

// ResourcePath is the archive path a token for studyID is scoped to.
func ResourcePath(studyID string) string {
	return "/studies/" + studyID
}

// Issue asks the authorization service for a read-only token scoped to one
// study. A success status without a usable token is an error.
func (i *HTTPIssuer) Issue(ctx context.Context, studyID string) (AccessToken, error) {
	if studyID == "" || strings.ContainsAny(studyID, "/?#") {
		return AccessToken{}, errors.Errorf("invalid study id %q", studyID)
	}

	payload := map[string]interface{}{
		"Resources":             []string{ResourcePath(studyID)},
		i.dialect.ValidityField: i.validitySeconds,
		"Access":                ReadOnly,
	}
	if i.dialect.SendType {
		payload["Type"] = i.tokenType
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return AccessToken{}, err
	}

	issuedAt := i.now()
	respBody, status, err := i.upstream.Do(ctx, http.MethodPost, i.dialect.path(studyID, i.tokenType), body)
	if err != nil {
		return AccessToken{}, errors.Wrap(err, "token request failed")
	}
	if status < 200 || status > 299 {
		return AccessToken{}, errors.Errorf("authorization service returned status %d", status)
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(respBody, &fields); err != nil {
		return AccessToken{}, errors.Wrap(err, "failed to decode token response")
	}
	raw, ok := fields[i.dialect.TokenField]
	if !ok {
		return AccessToken{}, ErrTokenMissing
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return AccessToken{}, errors.Wrapf(ErrTokenMissing, "field %s is not a string", i.dialect.TokenField)
	}
	if strings.TrimSpace(value) == "" {
		return AccessToken{}, ErrTokenMissing
	}

	return AccessToken{
		Value:           value,
		StudyID:         studyID,
		Access:          ReadOnly,
		ValiditySeconds: i.validitySeconds,
		ExpiresAt:       issuedAt.Add(time.Duration(i.validitySeconds) * time.Second),
	}, nil
}

// Healthcheck only proves the authorization service answers. Deployments do
// not share a common status endpoint, so any non-5xx answer from the base
// address is good enough.
func (i *HTTPIssuer) Healthcheck() fthealth.Check {
	return fthealth.Check{
		ID:             "authorization-service-check",
		Name:           "Authorization service is accessible",
		BusinessImpact: "Patients can find their studies but cannot open them in the viewer",
		Severity:       1,
		PanicGuide:     "https://github.com/patient-imaging/study-access-broker#authorization-service",
		TechnicalSummary: fmt.Sprintf("The authorization service (dialect %s) is inaccessible. "+
			"Check AUTH_URL and that the service is up.", i.dialect.Name),
		Timeout: 10 * time.Second,
		Checker: func() (string, error) {
			_, status, err := i.upstream.Do(context.Background(), http.MethodGet, "/", nil)
			if err != nil {
				errMsg := "failed to reach the authorization service"
				return errMsg, errors.New(errMsg)
			}
			if status >= http.StatusInternalServerError {
				errMsg := fmt.Sprintf("bad status %d from the authorization service", status)
				return errMsg, errors.New(errMsg)
			}
			return "", nil
		},
	}
}
