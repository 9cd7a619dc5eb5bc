package tokens

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Dialect describes how one archive deployment shares a study: where the
// request goes, which field carries the validity window and which field of
// the response carries the token.
type Dialect struct {
	Name          string
	Path          string
	ValidityField string
	TokenField    string
	SendType      bool
}

var dialects = map[string]Dialect{
	"share": {
		Name:          "share",
		Path:          "/studies/{id}/share",
		ValidityField: "Validity",
		TokenField:    "Token",
	},
	"authorization": {
		Name:          "authorization",
		Path:          "/authorization/token",
		ValidityField: "ValiditySeconds",
		TokenField:    "Token",
	},
	"auth-shares": {
		Name:          "auth-shares",
		Path:          "/auth/shares",
		ValidityField: "ValiditySeconds",
		TokenField:    "Id",
	},
	"tokens": {
		Name:          "tokens",
		Path:          "/tokens/{type}",
		ValidityField: "ValiditySeconds",
		TokenField:    "Token",
		SendType:      true,
	},
}

// LookupDialect returns the named dialect with optional path and token field
// overrides applied.
func LookupDialect(name, pathOverride, tokenFieldOverride string) (Dialect, error) {
	d, ok := dialects[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Dialect{}, errors.Errorf("unknown token issuer dialect %q, expected one of %s", name, strings.Join(DialectNames(), ", "))
	}
	if pathOverride != "" {
		if !strings.HasPrefix(pathOverride, "/") {
			return Dialect{}, errors.Errorf("token path %q must start with /", pathOverride)
		}
		d.Path = pathOverride
	}
	if tokenFieldOverride != "" {
		d.TokenField = tokenFieldOverride
	}
	return d, nil
}

func DialectNames() []string {
	names := make([]string, 0, len(dialects))
	for n := range dialects {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (d Dialect) path(studyID, tokenType string) string {
	return strings.NewReplacer("{id}", studyID, "{type}", tokenType).Replace(d.Path)
}
