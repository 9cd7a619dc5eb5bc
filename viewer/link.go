package viewer

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

const DefaultTokenParam = "token"

// Composer builds viewer links from a trusted, preconfigured base address.
type Composer struct {
	base  *url.URL
	param string
}

func NewComposer(baseURL, tokenParam string) (*Composer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid viewer address")
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Errorf("viewer address %q must be an absolute http(s) URL", baseURL)
	}
	if u.User != nil {
		return nil, errors.New("viewer address must not embed credentials")
	}
	tokenParam = strings.TrimSpace(tokenParam)
	if tokenParam == "" {
		tokenParam = DefaultTokenParam
	}
	return &Composer{base: u, param: tokenParam}, nil
}

// Compose returns the base address with the token set as its only
// caller-derived query parameter.
func (c *Composer) Compose(token string) string {
	u := *c.base
	q := u.Query()
	q.Set(c.param, token)
	u.RawQuery = q.Encode()
	return u.String()
}
