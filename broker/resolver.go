package broker

type matchOutcome int

const (
	noMatch matchOutcome = iota
	uniqueMatch
	ambiguousMatch
)

type resolution struct {
	outcome matchOutcome
	studyID string
}

// resolveMatches requires exactly one match. Several matches are never
// narrowed down to the first one.
func resolveMatches(matches []string) resolution {
	switch len(matches) {
	case 0:
		return resolution{outcome: noMatch}
	case 1:
		if matches[0] == "" {
			return resolution{outcome: noMatch}
		}
		return resolution{outcome: uniqueMatch, studyID: matches[0]}
	default:
		return resolution{outcome: ambiguousMatch}
	}
}
