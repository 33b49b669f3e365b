package service

import (
	"errors"
	"net/http"
	"time"
)

/*
	Service Contract

	Every named service in the graph implements the Service interface.
	A request is started by handing over the request metadata, which
	yields a single-shot RequestHandle that can be driven with exactly
	one event. The only event every service supports is HTTP; the
	extended events exist for workers and fail with a typed error
	everywhere else.
*/

// Carry-along metadata describing the ultimate client of a request.
// It propagates untouched from the listener to the deepest sub-request.
type Metadata struct {
	//Opaque UTF-8 JSON string describing the client, empty when absent
	CfBlobJSON string
}

type Service interface {
	StartRequest(metadata Metadata) RequestHandle
}

// A single-shot handle for one request. Driving a handle more than
// once is a programming error and returns ErrHandleAlreadyDriven.
type RequestHandle interface {
	//Forward an HTTP request. The URL form carried by r.URL depends on
	//the rewriter in front of this service: proxy-form requests have
	//Scheme and Host set, host-form requests carry the authority in
	//r.Host only.
	HTTP(w http.ResponseWriter, r *http.Request) error

	//Hint that a request to the given URL is likely to follow soon.
	//Always accepted, may be a no-op.
	Prewarm(url string)

	//Extended events, only supported by workers
	RunScheduled(scheduledTime time.Time, cron string) error
	RunAlarm(scheduledTime time.Time) error
	CustomEvent(event string) error
}

// Optional capability interface for services that expose named
// entrypoints. The resolver consults this instead of inspecting the
// concrete service type.
type EntrypointProvider interface {
	TryGetEntrypoint(name string) (Service, bool)
}

var ErrEventNotSupported = errors.New("event type not supported")
var ErrHandleAlreadyDriven = errors.New("request handle driven more than once")

// Typed error for unsupported extended events. Matches on
// ErrEventNotSupported with errors.Is.
type EventNotSupportedError struct {
	//Human readable name of the service kind, e.g. "External HTTP servers"
	ServiceKind string
}

func (e *EventNotSupportedError) Error() string {
	return e.ServiceKind + " don't support this event type."
}

func (e *EventNotSupportedError) Is(target error) bool {
	return target == ErrEventNotSupported
}

// UnsupportedEvents provides the default implementation of the
// extended events for services that only speak HTTP. Embed it and the
// handle gets Prewarm as a no-op and typed failures for the rest.
type UnsupportedEvents struct {
	ServiceKind string
}

func (u UnsupportedEvents) Prewarm(url string) {
	//Always accepted as a no-op
}

func (u UnsupportedEvents) RunScheduled(scheduledTime time.Time, cron string) error {
	return &EventNotSupportedError{ServiceKind: u.ServiceKind}
}

func (u UnsupportedEvents) RunAlarm(scheduledTime time.Time) error {
	return &EventNotSupportedError{ServiceKind: u.ServiceKind}
}

func (u UnsupportedEvents) CustomEvent(event string) error {
	return &EventNotSupportedError{ServiceKind: u.ServiceKind}
}
