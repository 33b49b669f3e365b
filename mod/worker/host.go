package worker

import (
	"context"
	"errors"
	"net/http"
	"time"

	"imuslab.com/lattice/mod/service"
)

/*
	Script Host Contract

	The worker service does not embed a script engine. It compiles the
	config (bindings, outbound channels, entrypoints) into an
	Environment and hands that to whatever ScriptHost the process was
	started with. The engine side only needs to implement the three
	interfaces below.
*/

type ScriptHost interface {
	//Compile a worker's source. Compile problems go to the reporter,
	//the returned script may still be used (it can be mostly empty).
	NewScript(name string, source ScriptSource, reporter ErrorReporter) Script
}

type Script interface {
	//Report the handlers and named entrypoints the script exports
	ValidateHandlers(reporter ErrorReporter)
	//Create a per-request instance bound to an environment
	Instantiate(env *Environment) (Instance, error)
}

// A script instance driving exactly one event. entrypoint is empty for
// the default export.
type Instance interface {
	HTTP(entrypoint string, w http.ResponseWriter, r *http.Request) error
	Scheduled(entrypoint string, scheduledTime time.Time, cron string) error
	Alarm(entrypoint string, scheduledTime time.Time) error
	Custom(entrypoint string, event string) error
}

// What a script runs against: its compiled globals, the outbound
// channel table, background task tracking and the client identity of
// the request being served.
type Environment struct {
	Globals    []Global
	Channels   *ChannelTable
	Timer      Timer
	Limits     service.LimitEnforcer
	WaitUntil  *service.TaskSet
	CfBlobJSON string
}

type ScriptSource struct {
	//Legacy service-worker form instead of modules form
	ServiceWorker bool
	Code          string
}

/* Compiled binding values */

// A named global injected into the script. Value is one of string,
// []byte, JSONValue, CryptoKeyValue, WasmModuleValue, FetcherChannel,
// KvNamespaceChannel, R2BucketChannel or R2AdminChannel.
type Global struct {
	Name  string
	Value any
}

type JSONValue struct {
	JSON string
}

type CryptoKeyValue struct {
	Format        string //raw, pkcs8, spki or jwk
	KeyData       []byte //Raw key material, unused for jwk
	KeyJSON       string //JWK JSON passthrough, only for jwk
	AlgorithmJSON string
	Extractable   bool
	Usages        []string
}

type WasmModuleValue struct {
	Module []byte
}

type FetcherChannel struct {
	Channel      int
	RequiresHost bool
}

type KvNamespaceChannel struct {
	SubrequestChannel int
}

type R2BucketChannel struct {
	SubrequestChannel int
}

type R2AdminChannel struct {
	SubrequestChannel int
}

/* Error reporting */

// Collects config errors and discovered handlers during worker
// construction
type ErrorReporter interface {
	AddError(message string)
	//exportName is empty for the default entrypoint
	AddHandler(exportName string, eventType string)
}

type validationReporter struct {
	onError              func(message string)
	namedEntrypoints     map[string]struct{}
	hasDefaultEntrypoint bool
}

func newValidationReporter(onError func(message string)) *validationReporter {
	return &validationReporter{
		onError:          onError,
		namedEntrypoints: map[string]struct{}{},
	}
}

func (r *validationReporter) AddError(message string) {
	if r.onError != nil {
		r.onError(message)
	}
}

func (r *validationReporter) AddHandler(exportName string, eventType string) {
	if exportName == "" {
		r.hasDefaultEntrypoint = true
		return
	}
	r.namedEntrypoints[exportName] = struct{}{}
}

/* Channel table */

// Channel slots 0 and 1 are both the worker's global outbound. The
// distinction is a legacy artifact nothing should depend on.
const (
	ChannelNext = 0
	ChannelNull = 1
)

var ErrInvalidChannel = errors.New("invalid subrequest channel number")

// The worker's view of the rest of the service graph: a dense array of
// services indexed by channel number, fixed at construction time.
type ChannelTable struct {
	channels []service.Service
}

func (t *ChannelTable) append(s service.Service) int {
	t.channels = append(t.channels, s)
	return len(t.channels) - 1
}

func (t *ChannelTable) Size() int {
	return len(t.channels)
}

// Start a sub-request on the service behind a channel
func (t *ChannelTable) StartSubrequest(channel int, metadata service.Metadata) (service.RequestHandle, error) {
	if channel < 0 || channel >= len(t.channels) {
		return nil, ErrInvalidChannel
	}
	return t.channels[channel].StartRequest(metadata), nil
}

/* Timer channel */

// Wall-clock time surface handed to script instances
type Timer struct{}

func (Timer) Now() time.Time {
	return time.Now()
}

// Sleep until the given time or the context ends
func (Timer) AtTime(ctx context.Context, when time.Time) error {
	delay := time.Until(when)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

/* Null script */

// Used when the host could not produce a script at all, so the worker
// still occupies its name in the registry
type nullScript struct{}

func (nullScript) ValidateHandlers(reporter ErrorReporter) {}

func (nullScript) Instantiate(env *Environment) (Instance, error) {
	return nil, errors.New("worker script failed to compile")
}
