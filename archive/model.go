package archive

// Query is a study-level find query. PatientBirthDate is already in the
// compact YYYYMMDD form the archive stores.
type Query struct {
	AccessionNumber  string `json:"AccessionNumber"`
	PatientBirthDate string `json:"PatientBirthDate"`
}

type findRequest struct {
	Level string `json:"Level"`
	Query Query  `json:"Query"`
	Limit int    `json:"Limit,omitempty"`
}

// StudyRecord is the descriptive metadata of a single study.
type StudyRecord struct {
	ID               string `json:"ID"`
	PatientName      string `json:"PatientName"`
	PatientBirthDate string `json:"PatientBirthDate"`
	AccessionNumber  string `json:"AccessionNumber"`
	StudyDescription string `json:"StudyDescription"`
	StudyDate        string `json:"StudyDate"`
	StudyInstanceUID string `json:"StudyInstanceUID"`
}

type studyTags struct {
	PatientName      string `json:"PatientName,omitempty"`
	PatientBirthDate string `json:"PatientBirthDate,omitempty"`
	AccessionNumber  string `json:"AccessionNumber,omitempty"`
	StudyDescription string `json:"StudyDescription,omitempty"`
	StudyDate        string `json:"StudyDate,omitempty"`
	StudyInstanceUID string `json:"StudyInstanceUID,omitempty"`
}

// study mirrors GET /studies/{id}. Patient level tags normally live in
// PatientMainDicomTags but some archives copy them into MainDicomTags.
type study struct {
	ID          string    `json:"ID"`
	Type        string    `json:"Type"`
	MainTags    studyTags `json:"MainDicomTags"`
	PatientTags studyTags `json:"PatientMainDicomTags"`
}

func (s study) record() StudyRecord {
	return StudyRecord{
		ID:               s.ID,
		PatientName:      firstNonEmpty(s.PatientTags.PatientName, s.MainTags.PatientName),
		PatientBirthDate: firstNonEmpty(s.PatientTags.PatientBirthDate, s.MainTags.PatientBirthDate),
		AccessionNumber:  s.MainTags.AccessionNumber,
		StudyDescription: s.MainTags.StudyDescription,
		StudyDate:        s.MainTags.StudyDate,
		StudyInstanceUID: s.MainTags.StudyInstanceUID,
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
