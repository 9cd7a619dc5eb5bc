package broker

import (
	"bytes"
	"context"
	"errors"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
	"github.com/Financial-Times/go-logger"
	"github.com/patient-imaging/study-access-broker/archive"
	"github.com/patient-imaging/study-access-broker/audit"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/jarcoal/httpmock.v1"
)

const validBody = `{"accessionNumber":"123456","birthDate":"1990-05-02"}`

func init() {
	logger.InitDefaultLogger("study-access-broker-test")
}

type mockService struct {
	resp   Response
	err    error
	panics bool
	block  bool
	checks []fthealth.Check

	m        sync.Mutex
	recorded []*Error
}

func (s *mockService) Locate(ctx context.Context, q StudyQuery) (Response, error) {
	if s.panics {
		panic("nil archive client")
	}
	if s.block {
		<-ctx.Done()
		return Response{}, newError(UpstreamUnavailable, ctx.Err())
	}
	return s.resp, s.err
}

func (s *mockService) Record(tid string, be *Error) {
	s.m.Lock()
	defer s.m.Unlock()
	s.recorded = append(s.recorded, be)
}

func (s *mockService) Recorded() []*Error {
	s.m.Lock()
	defer s.m.Unlock()
	return append([]*Error(nil), s.recorded...)
}

func (s *mockService) Healthchecks() []fthealth.Check {
	if s.checks != nil {
		return s.checks
	}
	return []fthealth.Check{}
}

func newTestMux(svc Service, origins []string) http.Handler {
	handler := NewHandler(svc, time.Second)
	return handler.RegisterHandlers(NewHealthService(svc, "system-code", "app-name", "8080", "description"), origins, true, metrics.NewRegistry())
}

func TestHandlers(t *testing.T) {
	testCases := []struct {
		name        string
		method      string
		url         string
		requestBody string
		resultCode  int
		resultBody  string
		svc         *mockService
	}{
		{
			"Study access - Success",
			"POST",
			"/study-access",
			validBody,
			200,
			`{"studyData":{"ID":"` + testStudyID + `","PatientName":"DOE^JANE","PatientBirthDate":"19900502","AccessionNumber":"123456","StudyDescription":"CT THORAX","StudyDate":"20240315","StudyInstanceUID":"1.2.840.113619.2.55.3.604688119"},"viewerUrl":"https://viewer.example/?token=tok-123"}` + "\n",
			&mockService{resp: Response{StudyData: testStudy, ViewerURL: "https://viewer.example/?token=tok-123"}},
		},
		{
			"Study access - Versioned path",
			"POST",
			"/api/v1/study-access",
			validBody,
			200,
			"IGNORE",
			&mockService{resp: Response{StudyData: testStudy, ViewerURL: "https://viewer.example/?token=tok-123"}},
		},
		{
			"Study access - Empty body",
			"POST",
			"/study-access",
			"",
			400,
			`{"error":"accessionNumber and birthDate (YYYY-MM-DD) are required."}` + "\n",
			&mockService{},
		},
		{
			"Study access - Invalid JSON",
			"POST",
			"/study-access",
			`{"accessionNumber":`,
			400,
			`{"error":"accessionNumber and birthDate (YYYY-MM-DD) are required."}` + "\n",
			&mockService{},
		},
		{
			"Study access - Validation failure",
			"POST",
			"/study-access",
			`{"accessionNumber":"123456"}`,
			400,
			`{"error":"accessionNumber and birthDate (YYYY-MM-DD) are required."}` + "\n",
			&mockService{err: newError(BadRequest, errors.New("birth date is required"))},
		},
		{
			"Study access - Not found",
			"POST",
			"/study-access",
			validBody,
			404,
			`{"error":"Study not found or details incorrect."}` + "\n",
			&mockService{err: newError(NotFound, errors.New("no study matched"))},
		},
		{
			"Study access - Ambiguous",
			"POST",
			"/study-access",
			validBody,
			404,
			`{"error":"Study not found or details incorrect."}` + "\n",
			&mockService{err: &Error{Kind: NotFound, Err: errors.New("more than one study matched"), outcome: audit.Ambiguous}},
		},
		{
			"Study access - Archive unavailable",
			"POST",
			"/study-access",
			validBody,
			500,
			`{"error":"The study archive is unavailable, please try again later."}` + "\n",
			&mockService{err: newError(UpstreamUnavailable, &archive.StatusError{Op: "find", StatusCode: 503})},
		},
		{
			"Study access - Token failure",
			"POST",
			"/study-access",
			validBody,
			500,
			`{"error":"Unable to grant access to the study, please try again later."}` + "\n",
			&mockService{err: newError(TokenIssuanceFailed, errors.New("no token"))},
		},
		{
			"Study access - Unexpected error",
			"POST",
			"/study-access",
			validBody,
			500,
			`{"error":"Internal server error."}` + "\n",
			&mockService{err: errors.New("boom")},
		},
		{
			"Study access - Panic",
			"POST",
			"/study-access",
			validBody,
			500,
			`{"error":"Internal server error."}` + "\n",
			&mockService{panics: true},
		},
		{
			"Study access - Wrong method",
			"GET",
			"/study-access",
			"",
			405,
			"IGNORE",
			&mockService{},
		},
		{
			"GTG - Success",
			"GET",
			"/__gtg",
			"",
			200,
			"OK",
			&mockService{},
		},
		{
			"GTG - Failure",
			"GET",
			"/__gtg",
			"",
			503,
			"GTG fail error",
			&mockService{checks: []fthealth.Check{
				{
					Severity: 1,
					Checker: func() (string, error) {
						return "", errors.New("GTG fail error")
					},
				},
			}},
		},
		{
			"GTG - Ignores low severity",
			"GET",
			"/__gtg",
			"",
			200,
			"OK",
			&mockService{checks: []fthealth.Check{
				{
					Severity: 2,
					Checker: func() (string, error) {
						return "", errors.New("ambiguous matches")
					},
				},
			}},
		},
	}

	for _, d := range testCases {
		t.Run(d.name, func(t *testing.T) {
			m := newTestMux(d.svc, nil)

			req, _ := http.NewRequest(d.method, d.url, bytes.NewBufferString(d.requestBody))
			rr := httptest.NewRecorder()
			m.ServeHTTP(rr, req)

			b, err := ioutil.ReadAll(rr.Body)
			assert.NoError(t, err)
			body := string(b)
			assert.Equal(t, d.resultCode, rr.Code, d.name)
			if d.resultBody != "IGNORE" {
				assert.Equal(t, d.resultBody, body, d.name)
			}
			if d.url != "/__gtg" && d.resultCode != 200 && d.resultCode != 405 {
				assert.NotContains(t, body, "studyData")
				assert.NotContains(t, body, "viewerUrl")
			}
		})
	}
}

func TestHandlers_RecordsRejectedBodies(t *testing.T) {
	svc := &mockService{}
	req, _ := http.NewRequest("POST", "/study-access", bytes.NewBufferString("not json"))
	rr := httptest.NewRecorder()
	newTestMux(svc, nil).ServeHTTP(rr, req)

	assert.Equal(t, 400, rr.Code)
	recorded := svc.Recorded()
	require.Len(t, recorded, 1)
	assert.Equal(t, audit.BadRequest, recorded[0].Outcome())
}

func TestHandlers_RejectsOversizedBody(t *testing.T) {
	big := `{"accessionNumber":"` + string(bytes.Repeat([]byte("1"), maxRequestBodySize)) + `","birthDate":"1990-05-02"}`
	req, _ := http.NewRequest("POST", "/study-access", bytes.NewBufferString(big))
	rr := httptest.NewRecorder()
	newTestMux(&mockService{}, nil).ServeHTTP(rr, req)

	assert.Equal(t, 400, rr.Code)
}

func TestHandlers_ResponseHeaders(t *testing.T) {
	req, _ := http.NewRequest("POST", "/study-access", bytes.NewBufferString(validBody))
	req.Header.Set("X-Request-Id", "tid_abc")
	rr := httptest.NewRecorder()
	newTestMux(&mockService{resp: Response{StudyData: testStudy}}, nil).ServeHTTP(rr, req)

	assert.Equal(t, 200, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, "no-store", rr.Header().Get("Cache-Control"))
	assert.Equal(t, "tid_abc", rr.Header().Get("X-Request-Id"))
}

func TestHandlers_RequestTimeout(t *testing.T) {
	svc := &mockService{block: true}
	handler := NewHandler(svc, 50*time.Millisecond)
	m := handler.RegisterHandlers(NewHealthService(svc, "system-code", "app-name", "8080", "description"), nil, false, metrics.NewRegistry())

	req, _ := http.NewRequest("POST", "/study-access", bytes.NewBufferString(validBody))
	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, req)

	assert.Equal(t, 500, rr.Code)
	assert.Equal(t, `{"error":"The study archive is unavailable, please try again later."}`+"\n", rr.Body.String())
}

func TestHandlers_PanicIsAudited(t *testing.T) {
	archiveClient := &mockArchiveClient{panics: true}
	publisher := &mockPublisher{}
	registry := metrics.NewRegistry()
	svc := NewService(archiveClient, &mockIssuer{}, mockComposer{}, publisher, registry)

	req, _ := http.NewRequest("POST", "/study-access", bytes.NewBufferString(validBody))
	req.Header.Set("X-Request-Id", "tid_panic")
	rr := httptest.NewRecorder()
	newTestMux(svc, nil).ServeHTTP(rr, req)

	assert.Equal(t, 500, rr.Code)
	assert.Equal(t, `{"error":"Internal server error."}`+"\n", rr.Body.String())
	events := publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.InternalError, events[0].Outcome)
	assert.Equal(t, "tid_panic", events[0].TransactionID)
	assert.Equal(t, int64(1), counter(registry, "internal_error"))
}

func TestHandlers_TimeoutIsAuditedAsSeenByCaller(t *testing.T) {
	archiveClient := &mockArchiveClient{
		matches: map[archive.Query][]string{testQuery: {testStudyID}},
		studies: map[string]archive.StudyRecord{testStudyID: testStudy},
	}
	publisher := &mockPublisher{}
	registry := metrics.NewRegistry()
	svc := NewService(archiveClient, &mockIssuer{block: true}, mockComposer{}, publisher, registry)
	h := NewHandler(svc, 50*time.Millisecond)
	m := h.RegisterHandlers(NewHealthService(svc, "system-code", "app-name", "8080", "description"), nil, false, metrics.NewRegistry())

	req, _ := http.NewRequest("POST", "/study-access", bytes.NewBufferString(validBody))
	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, req)

	assert.Equal(t, 500, rr.Code)
	assert.Equal(t, `{"error":"The study archive is unavailable, please try again later."}`+"\n", rr.Body.String())
	events := publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.UpstreamUnavailable, events[0].Outcome)
	assert.Equal(t, int64(0), counter(registry, "token_failed"))
	assert.Equal(t, int64(0), counter(registry, "granted"))
}

func TestHandlers_CORS(t *testing.T) {
	m := newTestMux(&mockService{resp: Response{StudyData: testStudy}}, []string{"https://portal.example"})

	preflight, _ := http.NewRequest("OPTIONS", "/study-access", nil)
	preflight.Header.Set("Origin", "https://portal.example")
	preflight.Header.Set("Access-Control-Request-Method", "POST")
	preflight.Header.Set("Access-Control-Request-Headers", "Content-Type")
	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, preflight)
	assert.Equal(t, 200, rr.Code)
	assert.Equal(t, "https://portal.example", rr.Header().Get("Access-Control-Allow-Origin"))

	post, _ := http.NewRequest("POST", "/study-access", bytes.NewBufferString(validBody))
	post.Header.Set("Origin", "https://portal.example")
	rr = httptest.NewRecorder()
	m.ServeHTTP(rr, post)
	assert.Equal(t, 200, rr.Code)
	assert.Equal(t, "https://portal.example", rr.Header().Get("Access-Control-Allow-Origin"))

	foreign, _ := http.NewRequest("POST", "/study-access", bytes.NewBufferString(validBody))
	foreign.Header.Set("Origin", "https://evil.example")
	rr = httptest.NewRecorder()
	m.ServeHTTP(rr, foreign)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestHandlers_NoCORSWithoutOrigins(t *testing.T) {
	m := newTestMux(&mockService{}, nil)

	preflight, _ := http.NewRequest("OPTIONS", "/study-access", nil)
	preflight.Header.Set("Origin", "https://portal.example")
	preflight.Header.Set("Access-Control-Request-Method", "POST")
	rr := httptest.NewRecorder()
	m.ServeHTTP(rr, preflight)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestStudyAccessEndToEnd(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	cfg := validConfig()
	cfg.ArchiveMaxAttempts = 1
	publisher := &mockPublisher{}
	svc, err := NewServiceFromConfig(cfg, publisher, metrics.NewRegistry())
	require.NoError(t, err)
	h := NewHandler(svc, 5*time.Second)
	m := h.RegisterHandlers(NewHealthService(svc, "system-code", "app-name", "8080", "description"), nil, false, metrics.NewRegistry())

	post := func() *httptest.ResponseRecorder {
		req, _ := http.NewRequest("POST", "/study-access", bytes.NewBufferString(validBody))
		rr := httptest.NewRecorder()
		m.ServeHTTP(rr, req)
		return rr
	}

	t.Run("granted", func(t *testing.T) {
		httpmock.Reset()
		httpmock.RegisterResponder("POST", "http://archive.local/tools/find",
			httpmock.NewStringResponder(200, `["`+testStudyID+`"]`))
		httpmock.RegisterResponder("GET", "http://archive.local/studies/"+testStudyID,
			httpmock.NewStringResponder(200, `{
				"ID": "`+testStudyID+`",
				"Type": "Study",
				"MainDicomTags": {"AccessionNumber": "123456", "StudyDate": "20240315", "StudyDescription": "CT THORAX", "StudyInstanceUID": "1.2.840.113619.2.55.3.604688119"},
				"PatientMainDicomTags": {"PatientName": "DOE^JANE", "PatientBirthDate": "19900502"}
			}`))
		httpmock.RegisterResponder("POST", "http://archive.local/studies/"+testStudyID+"/share",
			httpmock.NewStringResponder(200, `{"Token":"tok-123"}`))

		rr := post()
		assert.Equal(t, 200, rr.Code)
		assert.JSONEq(t, `{"studyData":{"ID":"`+testStudyID+`","PatientName":"DOE^JANE","PatientBirthDate":"19900502","AccessionNumber":"123456","StudyDescription":"CT THORAX","StudyDate":"20240315","StudyInstanceUID":"1.2.840.113619.2.55.3.604688119"},"viewerUrl":"https://viewer.example/?token=tok-123"}`, rr.Body.String())
	})

	t.Run("ambiguous", func(t *testing.T) {
		httpmock.Reset()
		httpmock.RegisterResponder("POST", "http://archive.local/tools/find",
			httpmock.NewStringResponder(200, `["`+testStudyID+`","`+testOtherStudy+`"]`))

		rr := post()
		assert.Equal(t, 404, rr.Code)
		assert.Equal(t, `{"error":"Study not found or details incorrect."}`+"\n", rr.Body.String())
	})

	t.Run("archive down", func(t *testing.T) {
		httpmock.Reset()
		httpmock.RegisterResponder("POST", "http://archive.local/tools/find",
			httpmock.NewStringResponder(503, `unavailable`))

		rr := post()
		assert.Equal(t, 500, rr.Code)
		assert.Equal(t, `{"error":"The study archive is unavailable, please try again later."}`+"\n", rr.Body.String())
	})

	t.Run("token missing", func(t *testing.T) {
		httpmock.Reset()
		httpmock.RegisterResponder("POST", "http://archive.local/tools/find",
			httpmock.NewStringResponder(200, `["`+testStudyID+`"]`))
		httpmock.RegisterResponder("GET", "http://archive.local/studies/"+testStudyID,
			httpmock.NewStringResponder(200, `{"ID":"`+testStudyID+`","MainDicomTags":{"AccessionNumber":"123456"},"PatientMainDicomTags":{"PatientBirthDate":"19900502"}}`))
		httpmock.RegisterResponder("POST", "http://archive.local/studies/"+testStudyID+"/share",
			httpmock.NewStringResponder(200, `{"Url":"https://viewer.example/share"}`))

		rr := post()
		assert.Equal(t, 500, rr.Code)
		assert.Equal(t, `{"error":"Unable to grant access to the study, please try again later."}`+"\n", rr.Body.String())
	})

	outcomes := []audit.Outcome{}
	for _, e := range publisher.Events() {
		outcomes = append(outcomes, e.Outcome)
	}
	assert.Equal(t, []audit.Outcome{audit.Granted, audit.Ambiguous, audit.UpstreamUnavailable, audit.TokenFailed}, outcomes)
}
