package service

import (
	"errors"
	"net/http"
	"time"
)

/*
	Invalid-Config Service

	Whenever a service's configuration turns out to be malformed, the
	orchestrator substitutes this sentinel so that unrelated services
	keep working. Every request through it fails with a recognizable
	error. The sentinel is a process-wide singleton shared through
	non-owning references.
*/

var ErrInvalidConfig = errors.New("Service cannot handle requests because its config is invalid.")

type invalidConfigService struct{}

type invalidConfigHandle struct{}

var invalidConfigSingleton = &invalidConfigService{}

// Obtain a shared reference to the invalid-config sentinel
func InvalidConfig() Service {
	return invalidConfigSingleton
}

// Check if a service is the invalid-config sentinel
func IsInvalidConfig(s Service) bool {
	return s == Service(invalidConfigSingleton)
}

func (s *invalidConfigService) StartRequest(metadata Metadata) RequestHandle {
	return invalidConfigHandle{}
}

func (h invalidConfigHandle) HTTP(w http.ResponseWriter, r *http.Request) error {
	return ErrInvalidConfig
}

func (h invalidConfigHandle) Prewarm(url string) {}

func (h invalidConfigHandle) RunScheduled(scheduledTime time.Time, cron string) error {
	return ErrInvalidConfig
}

func (h invalidConfigHandle) RunAlarm(scheduledTime time.Time) error {
	return ErrInvalidConfig
}

func (h invalidConfigHandle) CustomEvent(event string) error {
	return ErrInvalidConfig
}
