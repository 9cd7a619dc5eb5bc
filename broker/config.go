package broker

import (
	"strings"
	"time"

	"github.com/patient-imaging/study-access-broker/archive"
	"github.com/patient-imaging/study-access-broker/audit"
	"github.com/patient-imaging/study-access-broker/tokens"
	"github.com/patient-imaging/study-access-broker/viewer"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
)

const (
	DefaultTokenValidity = 1800 * time.Second
	minTokenValidity     = time.Minute
	maxTokenValidity     = time.Hour
)

// Config holds everything the broker needs to reach its collaborators. It is
// built once at startup and never read from the environment afterwards.
type Config struct {
	ArchiveURL      string
	ArchiveUsername string
	ArchivePassword string

	// The authorization service falls back to the archive address and
	// credentials when these are empty.
	AuthURL      string
	AuthUsername string
	AuthPassword string

	TokenDialect  string
	TokenPath     string
	TokenField    string
	TokenType     string
	TokenValidity time.Duration

	ViewerURL        string
	ViewerTokenParam string

	UpstreamTimeout    time.Duration
	ArchiveMaxAttempts int
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ArchiveURL) == "" {
		return errors.New("archive URL is required")
	}
	if strings.TrimSpace(c.ViewerURL) == "" {
		return errors.New("viewer URL is required")
	}
	if c.TokenValidity < minTokenValidity || c.TokenValidity > maxTokenValidity {
		return errors.Errorf("token validity %s must be between %s and %s", c.TokenValidity, minTokenValidity, maxTokenValidity)
	}
	if c.UpstreamTimeout <= 0 {
		return errors.New("upstream timeout must be positive")
	}
	if c.ArchiveMaxAttempts < 1 {
		return errors.New("archive max attempts must be at least 1")
	}
	return nil
}

func (c Config) authURL() string {
	if c.AuthURL != "" {
		return c.AuthURL
	}
	return c.ArchiveURL
}

func (c Config) authCredentials() (string, string) {
	if c.AuthUsername != "" {
		return c.AuthUsername, c.AuthPassword
	}
	return c.ArchiveUsername, c.ArchivePassword
}

// NewServiceFromConfig validates cfg and wires the archive client, token
// issuer and viewer composer into an AccessService.
func NewServiceFromConfig(cfg Config, publisher audit.Publisher, registry metrics.Registry) (*AccessService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	archiveClient, err := archive.NewClient(cfg.ArchiveURL, cfg.ArchiveUsername, cfg.ArchivePassword, cfg.UpstreamTimeout, cfg.ArchiveMaxAttempts)
	if err != nil {
		return nil, err
	}

	dialect, err := tokens.LookupDialect(cfg.TokenDialect, cfg.TokenPath, cfg.TokenField)
	if err != nil {
		return nil, err
	}
	authUser, authPass := cfg.authCredentials()
	issuer, err := tokens.NewIssuer(cfg.authURL(), authUser, authPass, dialect, cfg.TokenType, int(cfg.TokenValidity/time.Second), cfg.UpstreamTimeout)
	if err != nil {
		return nil, err
	}

	composer, err := viewer.NewComposer(cfg.ViewerURL, cfg.ViewerTokenParam)
	if err != nil {
		return nil, err
	}

	return NewService(archiveClient, issuer, composer, publisher, registry), nil
}
