package broker

import (
	"strings"
	"time"

	"github.com/patient-imaging/study-access-broker/archive"
	"github.com/pkg/errors"
)

const (
	birthDateLayout    = "2006-01-02"
	maxAccessionLength = 16
	dicomSpecialChars  = `*?\`
)

// StudyQuery is the identity proof sent by the patient.
type StudyQuery struct {
	AccessionNumber string `json:"accessionNumber"`
	BirthDate       string `json:"birthDate"`
}

// Response is the success body: the study metadata and a viewer link that
// carries the scoped token.
type Response struct {
	StudyData archive.StudyRecord `json:"studyData"`
	ViewerURL string              `json:"viewerUrl"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NormalizeBirthDate turns YYYY-MM-DD into the archive's compact YYYYMMDD.
// Compact input is rejected so the transform can never be applied twice.
func NormalizeBirthDate(birthDate string) (string, error) {
	if len(birthDate) != len(birthDateLayout) {
		return "", errors.New("birth date is not in YYYY-MM-DD form")
	}
	if _, err := time.Parse(birthDateLayout, birthDate); err != nil {
		return "", errors.New("birth date is not a valid calendar date")
	}
	return strings.Replace(birthDate, "-", "", -1), nil
}

// normalize validates the query and returns the exact archive query for it.
func (q StudyQuery) normalize() (archive.Query, error) {
	accession := strings.TrimSpace(q.AccessionNumber)
	if accession == "" {
		return archive.Query{}, errors.New("accession number is required")
	}
	if len(accession) > maxAccessionLength {
		return archive.Query{}, errors.Errorf("accession number longer than %d characters", maxAccessionLength)
	}
	if strings.ContainsAny(accession, dicomSpecialChars) {
		return archive.Query{}, errors.New("accession number contains wildcard characters")
	}
	if strings.TrimSpace(q.BirthDate) == "" {
		return archive.Query{}, errors.New("birth date is required")
	}
	birthDate, err := NormalizeBirthDate(strings.TrimSpace(q.BirthDate))
	if err != nil {
		return archive.Query{}, err
	}
	return archive.Query{AccessionNumber: accession, PatientBirthDate: birthDate}, nil
}
