package broker

import (
	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
	"github.com/Financial-Times/service-status-go/gtg"
)

// Checks at this severity take the service out of rotation when they fail.
const gtgSeverity = 1

type HealthService struct {
	config *config
	svc    Service
	Checks []fthealth.Check
}

type config struct {
	appSystemCode string
	appName       string
	port          string
	description   string
}

func NewHealthService(svc Service, appSystemCode string, appName string, port string, description string) *HealthService {
	service := &HealthService{
		config: &config{
			appSystemCode: appSystemCode,
			appName:       appName,
			port:          port,
			description:   description,
		},
		svc: svc,
	}
	service.Checks = svc.Healthchecks()
	return service
}

func (svc *HealthService) GtgCheck() gtg.Status {
	for _, check := range svc.Checks {
		if check.Severity > gtgSeverity {
			continue
		}
		if _, err := check.Checker(); err != nil {
			return gtg.Status{GoodToGo: false, Message: err.Error()}
		}
	}
	return gtg.Status{GoodToGo: true}
}
