package worker

import (
	"net/http"
	"sync"
	"time"

	"imuslab.com/lattice/mod/config"
	"imuslab.com/lattice/mod/info/logger"
	"imuslab.com/lattice/mod/service"
)

/*
	Worker Service

	Wraps one configured worker: the compiled script, its channel
	table, its named entrypoints and a task set for waitUntil-style
	background work. Construction never fails outright. Every problem
	is reported as a config error and the worker still takes its place
	in the graph, possibly mostly empty, so unrelated services keep
	resolving.
*/

const compatDateFormat = "2006-01-02"

type Options struct {
	Name   string
	Config *config.WorkerConfig
	Host   ScriptHost
	//Resolves globalOutbound and service-shaped bindings
	Resolver ServiceResolver
	//Receives config errors, already scoped to this service by the caller
	OnError func(message string)
	Logger  *logger.Logger
}

type WorkerService struct {
	name        string
	script      Script
	globals     []Global
	channels    *ChannelTable
	entrypoints map[string]struct{}
	hasDefault  bool
	waitUntil   *service.TaskSet
	limits      service.LimitEnforcer
	timer       Timer
	logger      *logger.Logger
}

// Build a worker service. The registry must be fully populated before
// this is called, since binding resolution looks up other services by
// name.
func NewWorkerService(options *Options) *WorkerService {
	conf := options.Config
	reporter := newValidationReporter(options.OnError)

	validateCompatibilityDate(conf, reporter)

	script := options.Host.NewScript(options.Name, ScriptSource{
		ServiceWorker: conf.ServiceWorkerScript,
		Code:          conf.Source,
	}, reporter)
	if script == nil {
		script = nullScript{}
	}

	channels := &ChannelTable{}

	//Channels 0 and 1 both carry the global outbound
	globalOutbound := conf.GlobalOutbound
	if globalOutbound == nil {
		globalOutbound = &config.ServiceRef{Name: "internet"}
	}
	outbound, err := options.Resolver(globalOutbound, "Worker \""+options.Name+"\"'s globalOutbound")
	if err != nil {
		reporter.AddError(err.Error())
		outbound = service.InvalidConfig()
	}
	channels.append(outbound)
	channels.append(outbound)

	globals := compileBindings(options.Name, conf.ServiceWorkerScript, conf.Bindings,
		channels, options.Resolver, reporter)

	script.ValidateHandlers(reporter)

	return &WorkerService{
		name:        options.Name,
		script:      script,
		globals:     globals,
		channels:    channels,
		entrypoints: reporter.namedEntrypoints,
		hasDefault:  reporter.hasDefaultEntrypoint,
		waitUntil:   service.NewTaskSet(options.Name, options.Logger),
		limits:      service.NullLimiter{},
		logger:      options.Logger,
	}
}

func validateCompatibilityDate(conf *config.WorkerConfig, reporter ErrorReporter) {
	if conf.CompatibilityDate == "" {
		reporter.AddError("Worker must specify compatibiltyDate.")
		return
	}
	parsed, err := time.Parse(compatDateFormat, conf.CompatibilityDate)
	if err != nil {
		reporter.AddError("Invalid compatibility date: " + conf.CompatibilityDate)
		return
	}
	if parsed.After(time.Now()) {
		reporter.AddError("Can't set compatibility date in the future: " + conf.CompatibilityDate)
	}
}

func (s *WorkerService) HasEntrypoint(name string) bool {
	_, ok := s.entrypoints[name]
	return ok
}

// Satisfies the resolver's entrypoint probing
func (s *WorkerService) TryGetEntrypoint(name string) (service.Service, bool) {
	if !s.HasEntrypoint(name) {
		return nil, false
	}
	return service.NewEntrypointService(s, name), true
}

// Block until all waitUntil-style background work has finished
func (s *WorkerService) Drain() {
	s.waitUntil.Wait()
}

func (s *WorkerService) StartRequest(metadata service.Metadata) service.RequestHandle {
	return s.StartRequestForEntrypoint(metadata, "")
}

func (s *WorkerService) StartRequestForEntrypoint(metadata service.Metadata, entrypoint string) service.RequestHandle {
	return &workerHandle{
		service:    s,
		entrypoint: entrypoint,
		env: &Environment{
			Globals:    s.globals,
			Channels:   s.channels,
			Timer:      s.timer,
			Limits:     s.limits,
			WaitUntil:  s.waitUntil,
			CfBlobJSON: metadata.CfBlobJSON,
		},
	}
}

/* Request handle */

type workerHandle struct {
	service    *WorkerService
	entrypoint string
	env        *Environment

	mu     sync.Mutex
	driven bool
}

func (h *workerHandle) markDriven() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.driven {
		return service.ErrHandleAlreadyDriven
	}
	h.driven = true
	return nil
}

func (h *workerHandle) HTTP(w http.ResponseWriter, r *http.Request) error {
	if err := h.markDriven(); err != nil {
		return err
	}
	instance, err := h.service.script.Instantiate(h.env)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return err
	}
	return instance.HTTP(h.entrypoint, w, r)
}

func (h *workerHandle) Prewarm(url string) {
	//Accepted, nothing to warm up
}

func (h *workerHandle) RunScheduled(scheduledTime time.Time, cron string) error {
	if err := h.markDriven(); err != nil {
		return err
	}
	instance, err := h.service.script.Instantiate(h.env)
	if err != nil {
		return err
	}
	return instance.Scheduled(h.entrypoint, scheduledTime, cron)
}

func (h *workerHandle) RunAlarm(scheduledTime time.Time) error {
	if err := h.markDriven(); err != nil {
		return err
	}
	instance, err := h.service.script.Instantiate(h.env)
	if err != nil {
		return err
	}
	return instance.Alarm(h.entrypoint, scheduledTime)
}

func (h *workerHandle) CustomEvent(event string) error {
	if err := h.markDriven(); err != nil {
		return err
	}
	instance, err := h.service.script.Instantiate(h.env)
	if err != nil {
		return err
	}
	return instance.Custom(h.entrypoint, event)
}
