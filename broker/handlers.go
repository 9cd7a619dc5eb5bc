package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"time"

	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
	"github.com/Financial-Times/go-logger"
	"github.com/Financial-Times/http-handlers-go/httphandlers"
	status "github.com/Financial-Times/service-status-go/httphandlers"
	transactionidutils "github.com/Financial-Times/transactionid-utils-go"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	log "github.com/sirupsen/logrus"
)

const maxRequestBodySize = 4 << 10

var (
	corsAllowedMethods = []string{"POST", "OPTIONS"}
	corsAllowedHeaders = []string{"Content-Type", "Authorization", "X-Request-Id", "Apikey", "X-Client-Info"}
)

type StudyAccessHandler struct {
	svc            Service
	requestTimeout time.Duration
}

func NewHandler(svc Service, timeout time.Duration) StudyAccessHandler {
	return StudyAccessHandler{svc: svc, requestTimeout: timeout}
}

// LocateHandler answers POST /study-access. Every failure is written as a
// fixed message for its kind.
func (h *StudyAccessHandler) LocateHandler(w http.ResponseWriter, r *http.Request) {
	tid := transactionidutils.GetTransactionIDFromRequest(r)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set(transactionidutils.TransactionIDHeader, tid)

	ctx, cancel := context.WithTimeout(transactionidutils.TransactionAwareContext(r.Context(), tid), h.requestTimeout)
	defer cancel()

	q, err := decodeStudyQuery(r.Body)
	if err != nil {
		be := newError(BadRequest, err)
		h.svc.Record(tid, be)
		writeError(w, tid, be)
		return
	}

	resp, err := h.locate(ctx, tid, q)
	if err != nil {
		writeError(w, tid, asBrokerError(err))
		return
	}

	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.WithError(err).WithTransactionID(tid).Error("Failed to write study access response")
	}
}

// locate returns once the service does. Every upstream call runs under ctx, so
// the service itself stops at the request deadline.
func (h *StudyAccessHandler) locate(ctx context.Context, tid string, q StudyQuery) (resp Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			be := newError(InternalError, fmt.Errorf("panic while locating study: %v", rec))
			h.svc.Record(tid, be)
			resp, err = Response{}, be
		}
	}()
	return h.svc.Locate(ctx, q)
}

func decodeStudyQuery(body io.Reader) (StudyQuery, error) {
	if body == nil {
		return StudyQuery{}, errors.New("empty request body")
	}
	b, err := ioutil.ReadAll(io.LimitReader(body, maxRequestBodySize+1))
	if err != nil {
		return StudyQuery{}, errors.Wrap(err, "failed to read request body")
	}
	if len(b) == 0 {
		return StudyQuery{}, errors.New("empty request body")
	}
	if len(b) > maxRequestBodySize {
		return StudyQuery{}, errors.New("request body too large")
	}
	var q StudyQuery
	if err := json.Unmarshal(b, &q); err != nil {
		return StudyQuery{}, errors.Wrap(err, "request body is not a JSON object")
	}
	return q, nil
}

func writeError(w http.ResponseWriter, tid string, be *Error) {
	entry := logger.WithError(be).WithTransactionID(tid).WithField("kind", be.Kind.String())
	switch be.Kind {
	case BadRequest, NotFound:
		entry.Info("Study access request rejected")
	default:
		entry.Error("Study access request failed")
	}

	w.WriteHeader(be.Kind.StatusCode())
	if err := json.NewEncoder(w).Encode(errorResponse{Error: be.Kind.Message()}); err != nil {
		logger.WithError(err).WithTransactionID(tid).Error("Failed to write error response")
	}
}

// RegisterHandlers builds the service's HTTP surface: the study access
// endpoint behind CORS, request logging and metrics, plus the admin endpoints.
// CORS is only enabled for an explicit origin allow-list.
func (h *StudyAccessHandler) RegisterHandlers(healthService *HealthService, allowedOrigins []string, requestLoggingEnabled bool, registry metrics.Registry) *http.ServeMux {
	logger.Info("Registering handlers")

	router := mux.NewRouter()
	sh := handlers.MethodHandler{
		"POST": http.HandlerFunc(h.LocateHandler),
	}
	router.Handle("/study-access", sh)
	router.Handle("/api/v1/study-access", sh)

	var monitoringRouter http.Handler = router
	if len(allowedOrigins) > 0 {
		monitoringRouter = handlers.CORS(
			handlers.AllowedOrigins(allowedOrigins),
			handlers.AllowedMethods(corsAllowedMethods),
			handlers.AllowedHeaders(corsAllowedHeaders),
			handlers.ExposedHeaders([]string{transactionidutils.TransactionIDHeader}),
		)(monitoringRouter)
	} else {
		logger.Warn("No CORS origins configured, cross-origin requests will be refused by browsers")
	}
	if requestLoggingEnabled {
		monitoringRouter = httphandlers.TransactionAwareRequestLoggingHandler(log.StandardLogger(), monitoringRouter)
	}
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	monitoringRouter = httphandlers.HTTPMetricsHandler(registry, monitoringRouter)

	logger.Info("Registering admin handlers")

	hc := fthealth.HealthCheck{
		SystemCode:  healthService.config.appSystemCode,
		Name:        healthService.config.appName,
		Description: healthService.config.description,
		Checks:      healthService.Checks,
	}
	thc := fthealth.TimedHealthCheck{HealthCheck: hc, Timeout: 10 * time.Second}

	serveMux := http.NewServeMux()
	serveMux.HandleFunc("/__health", fthealth.Handler(thc))
	serveMux.HandleFunc(status.GTGPath, status.NewGoodToGoHandler(healthService.GtgCheck))
	serveMux.HandleFunc(status.BuildInfoPath, status.BuildInfoHandler)
	serveMux.Handle("/", monitoringRouter)

	return serveMux
}
