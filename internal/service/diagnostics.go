package service

import (
	"context"
	"sort"

	"blood-request-engine/internal/entity"
	"blood-request-engine/internal/repo"
)

// HealthCheck checks one dependency besides the store (broker, event stream).
type HealthCheck func(ctx context.Context) error

type DiagnosticsService struct {
	diagnosticsRepo repo.Diagnostics
	checks          map[string]HealthCheck
}

func NewDiagnosticsService(repos *repo.Repositories, checks map[string]HealthCheck) *DiagnosticsService {
	return &DiagnosticsService{repos.Diagnostics, checks}
}

func (s *DiagnosticsService) Ping() error {
	if err := s.diagnosticsRepo.Ping(); err != nil {
		return err
	}

	return nil
}

// Health reports every component; the overall status is "ok" only when all are.
func (s *DiagnosticsService) Health(ctx context.Context) *entity.HealthReport {
	report := &entity.HealthReport{Status: entity.HealthOk}
	report.Components = append(report.Components, componentHealth("store", s.Ping()))

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		report.Components = append(report.Components, componentHealth(name, s.checks[name](ctx)))
	}

	for _, c := range report.Components {
		if c.Status != entity.HealthOk {
			report.Status = entity.HealthDegraded
		}
	}

	return report
}

func componentHealth(name string, err error) entity.ComponentHealth {
	if err != nil {
		return entity.ComponentHealth{Name: name, Status: entity.HealthDown, Error: err.Error()}
	}

	return entity.ComponentHealth{Name: name, Status: entity.HealthOk}
}
