package orchestrator

import (
	"context"
	"net"
	"strings"
	"sync"

	"imuslab.com/lattice/mod/config"
	"imuslab.com/lattice/mod/diskserv"
	"imuslab.com/lattice/mod/external"
	"imuslab.com/lattice/mod/headertable"
	"imuslab.com/lattice/mod/info/logger"
	"imuslab.com/lattice/mod/kvserv"
	"imuslab.com/lattice/mod/listener"
	"imuslab.com/lattice/mod/netgate"
	"imuslab.com/lattice/mod/registry"
	"imuslab.com/lattice/mod/rewrite"
	"imuslab.com/lattice/mod/service"
	"imuslab.com/lattice/mod/tlsfactory"
	"imuslab.com/lattice/mod/utils"
	"imuslab.com/lattice/mod/worker"
)

/*
	Orchestrator

	Brings a config file to life: registers every named service,
	constructs them, binds every socket and runs until a fatal error or
	shutdown. Config errors are never individually fatal. The offending
	service is poisoned and everything else keeps working.

	Ordering matters here. All registry names are inserted before any
	construction starts, every header name is registered before the
	header table freezes, and the table freezes before the first
	connection is accepted.
*/

type Overrides struct {
	SocketAddrs    map[string]string //--socket-addr NAME=ADDR
	ExternalAddrs  map[string]string //--external-addr NAME=ADDR
	DirectoryPaths map[string]string //--directory-path NAME=PATH
}

type Options struct {
	Config     *config.Config
	Overrides  *Overrides
	ScriptHost worker.ScriptHost
	Logger     *logger.Logger
	//Optional extra sink for config errors, called in addition to the log
	OnConfigError func(message string)
}

type Orchestrator struct {
	conf       *config.Config
	overrides  *Overrides
	scriptHost worker.ScriptHost
	logger     *logger.Logger
	onError    func(message string)

	registry *registry.Registry
	builder  *headertable.Builder
	table    *headertable.Table

	mu           sync.Mutex
	configErrors []string
	listeners    []*listener.HTTPListener
	workers      []*worker.WorkerService

	fatal    chan error
	done     chan struct{}
	stopOnce sync.Once
}

func NewOrchestrator(options *Options) *Orchestrator {
	overrides := options.Overrides
	if overrides == nil {
		overrides = &Overrides{}
	}
	return &Orchestrator{
		conf:       options.Config,
		overrides:  overrides,
		scriptHost: options.ScriptHost,
		logger:     options.Logger,
		onError:    options.OnConfigError,
		registry:   registry.NewRegistry(),
		builder:    headertable.NewBuilder(),
		fatal:      make(chan error, 1),
		done:       make(chan struct{}),
	}
}

// All config errors reported so far
func (o *Orchestrator) ConfigErrors() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string{}, o.configErrors...)
}

// The frozen header table, available once Run has started serving
func (o *Orchestrator) HeaderTable() *headertable.Table {
	return o.table
}

// Bound listener addresses, useful when sockets listen on port 0
func (o *Orchestrator) ListenerAddrs() map[string]net.Addr {
	o.mu.Lock()
	defer o.mu.Unlock()
	addrs := map[string]net.Addr{}
	for _, l := range o.listeners {
		addrs[l.Name()] = l.Addr()
	}
	return addrs
}

func (o *Orchestrator) reportConfigError(message string) {
	o.mu.Lock()
	o.configErrors = append(o.configErrors, message)
	o.mu.Unlock()
	if o.logger != nil {
		o.logger.PrintAndLog("config", message, nil)
	}
	if o.onError != nil {
		o.onError(message)
	}
}

func (o *Orchestrator) reportFatal(err error) {
	select {
	case o.fatal <- err:
	default:
	}
}

// Start everything and block until a fatal error or Shutdown
func (o *Orchestrator) Run(ctx context.Context) error {
	//Phase 1: claim every service name before any construction, so a
	//lookup can always tell missing from not-yet-built
	promises := map[string]*registry.Promise{}
	builtServices := []*config.ServiceConfig{}
	for _, serviceConf := range o.conf.Services {
		promise, err := o.registry.Register(serviceConf.Name)
		if err != nil {
			//First insertion wins, later duplicates are dropped
			o.reportConfigError(err.Error())
			continue
		}
		promises[serviceConf.Name] = promise
		builtServices = append(builtServices, serviceConf)
	}

	//The default outbound exists even when the config never names it
	var internetPromise *registry.Promise
	if !o.registry.Has("internet") {
		promise, err := o.registry.Register("internet")
		if err == nil {
			internetPromise = promise
		}
	}

	//Phase 2: construct every non-worker service synchronously. These
	//have no cross references, and their construction registers
	//header names that must land before the table freezes.
	workers := []*config.ServiceConfig{}
	for _, serviceConf := range builtServices {
		kind, err := serviceConf.Kind()
		if err != nil || len(serviceConf.Extra) > 0 {
			o.reportConfigError("Encountered unknown service type in \"" + serviceConf.Name +
				"\". Was the config compiled with a newer version of the schema?")
			promises[serviceConf.Name].Fulfill(service.InvalidConfig())
			continue
		}
		if kind == "worker" {
			workers = append(workers, serviceConf)
			continue
		}
		promises[serviceConf.Name].Fulfill(o.buildSimpleService(serviceConf, kind))
	}

	if internetPromise != nil {
		internetPromise.Fulfill(o.buildInternetService())
	}

	//Phase 3: workers resolve their bindings through the registry, so
	//they build concurrently and await each other as needed
	workerBuilds := sync.WaitGroup{}
	for _, workerConf := range workers {
		workerBuilds.Add(1)
		go func(conf *config.ServiceConfig) {
			defer workerBuilds.Done()
			promises[conf.Name].Fulfill(o.buildWorkerService(conf))
		}(workerConf)
	}

	//Phase 4: enumerate sockets. Rewriters and TLS contexts are built
	//synchronously because the header table is about to freeze.
	socketPlans := o.planSockets()

	//Phase 5: complain about overrides that never matched anything
	o.reportLeftoverOverrides()

	//Phase 6: no header names may be registered past this point
	o.table = o.builder.Build()

	//Phase 7: bind and serve
	for _, plan := range socketPlans {
		go o.runSocket(plan)
	}

	workerBuilds.Wait()

	var runErr error
	select {
	case err := <-o.fatal:
		runErr = err
	case <-ctx.Done():
	case <-o.done:
	}

	//Stop accepting first, then let background tasks scheduled by
	//in-flight worker events run to completion
	o.closeListeners()
	o.drainWorkers()
	return runErr
}

// Stop serving and unblock Run. Safe to call more than once.
func (o *Orchestrator) Shutdown() {
	o.stopOnce.Do(func() {
		close(o.done)
	})
}

func (o *Orchestrator) closeListeners() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, l := range o.listeners {
		l.Close()
	}
}

func (o *Orchestrator) drainWorkers() {
	o.mu.Lock()
	draining := append([]*worker.WorkerService{}, o.workers...)
	o.mu.Unlock()
	for _, w := range draining {
		w.Drain()
	}
}

/* Service construction */

// Build an external, network, diskDirectory or kvNamespace service.
// Failures poison just this service.
func (o *Orchestrator) buildSimpleService(serviceConf *config.ServiceConfig, kind string) service.Service {
	switch kind {
	case "external":
		return o.buildExternalService(serviceConf)
	case "network":
		built, err := netgate.NewNetworkService(&netgate.Options{
			Name:       serviceConf.Name,
			Allow:      serviceConf.Network.Allow,
			Deny:       serviceConf.Network.Deny,
			TLSOptions: serviceConf.Network.TLSOptions,
			Logger:     o.logger,
		})
		if err != nil {
			o.reportConfigError("service " + serviceConf.Name + ": " + err.Error())
			return service.InvalidConfig()
		}
		return built
	case "diskDirectory":
		diskConf := *serviceConf.DiskDirectory
		if override, ok := o.overrides.DirectoryPaths[serviceConf.Name]; ok {
			diskConf.Path = override
			delete(o.overrides.DirectoryPaths, serviceConf.Name)
		}
		if diskConf.Path == "" {
			o.reportConfigError("Directory service \"" + serviceConf.Name + "\" has no path in the config, so must be specified on the command line with `--directory-path`.")
			return service.InvalidConfig()
		}
		built, err := diskserv.NewDiskService(&diskserv.Options{
			Name:          serviceConf.Name,
			Path:          diskConf.Path,
			Writable:      diskConf.Writable,
			AllowDotfiles: diskConf.AllowDotfiles,
			Logger:        o.logger,
			Builder:       o.builder,
		})
		if err != nil {
			o.reportConfigError("service " + serviceConf.Name + ": " + err.Error())
			return service.InvalidConfig()
		}
		return built
	case "kvNamespace":
		built, err := kvserv.NewKvService(&kvserv.Options{
			Name:    serviceConf.Name,
			Path:    serviceConf.KvNamespace.Path,
			Backend: serviceConf.KvNamespace.Backend,
			Logger:  o.logger,
		})
		if err != nil {
			o.reportConfigError("service " + serviceConf.Name + ": " + err.Error())
			return service.InvalidConfig()
		}
		return built
	}
	return service.InvalidConfig()
}

func (o *Orchestrator) buildExternalService(serviceConf *config.ServiceConfig) service.Service {
	externalConf := *serviceConf.External
	if override, ok := o.overrides.ExternalAddrs[serviceConf.Name]; ok {
		externalConf.Address = override
		delete(o.overrides.ExternalAddrs, serviceConf.Name)
	}
	if externalConf.Address == "" {
		o.reportConfigError("External service \"" + serviceConf.Name + "\" has no address in the config, so must be specified on the command line with `--external-addr`.")
		return service.InvalidConfig()
	}

	options := external.Options{
		Name:    serviceConf.Name,
		Logger:  o.logger,
		Builder: o.builder,
	}
	if externalConf.HTTPS != nil {
		options.UseTLS = true
		options.Address = defaultPort(externalConf.Address, "443")
		options.HTTPOptions = externalConf.HTTPS.Options
		options.TLSOptions = externalConf.HTTPS.TLSOptions
		options.CertificateHost = externalConf.HTTPS.CertificateHost
	} else {
		options.Address = defaultPort(externalConf.Address, "80")
		if externalConf.HTTP != nil {
			options.HTTPOptions = externalConf.HTTP.Options
			options.AllowH2C = externalConf.HTTP.AllowH2C
		}
	}

	built, err := external.NewExternalService(&options)
	if err != nil {
		o.reportConfigError("service " + serviceConf.Name + ": " + err.Error())
		return service.InvalidConfig()
	}
	return built
}

// The implicit default outbound: public internet peers only, TLS with
// the system trust store
func (o *Orchestrator) buildInternetService() service.Service {
	built, err := netgate.NewNetworkService(&netgate.Options{
		Name:       "internet",
		Allow:      []string{"public"},
		TLSOptions: &config.TLSOptions{TrustBrowserCas: true},
		Logger:     o.logger,
	})
	if err != nil {
		o.reportConfigError("service internet: " + err.Error())
		return service.InvalidConfig()
	}
	return built
}

func (o *Orchestrator) buildWorkerService(serviceConf *config.ServiceConfig) service.Service {
	built := worker.NewWorkerService(&worker.Options{
		Name:   serviceConf.Name,
		Config: serviceConf.Worker,
		Host:   o.scriptHost,
		Resolver: func(ref *config.ServiceRef, errorContext string) (service.Service, error) {
			return o.registry.LookupService(ref, errorContext)
		},
		OnError: func(message string) {
			o.reportConfigError("service " + serviceConf.Name + ": " + message)
		},
		Logger: o.logger,
	})
	o.mu.Lock()
	o.workers = append(o.workers, built)
	o.mu.Unlock()
	return built
}

/* Sockets */

type socketPlan struct {
	name             string
	address          string
	serviceRef       config.ServiceRef
	physicalProtocol string
	rewriter         *rewrite.Rewriter
	tlsOptions       *config.TLSOptions
	proxyProtocol    bool
}

func (o *Orchestrator) planSockets() []*socketPlan {
	plans := []*socketPlan{}
	for _, socketConf := range o.conf.Sockets {
		name := socketConf.Name

		address := socketConf.Address
		if override, ok := o.overrides.SocketAddrs[name]; ok {
			address = override
			delete(o.overrides.SocketAddrs, name)
		}
		if address == "" {
			o.reportConfigError("Socket \"" + name + "\" has no address in the config, so must be specified on the command line with `--socket-addr`.")
			continue
		}

		plan := socketPlan{
			name:          name,
			serviceRef:    socketConf.Service,
			proxyProtocol: socketConf.ProxyProtocol,
		}

		var httpOptions *config.HTTPOptions
		if socketConf.HTTPS != nil {
			plan.physicalProtocol = "https"
			plan.tlsOptions = socketConf.HTTPS.TLSOptions
			httpOptions = socketConf.HTTPS.Options
			plan.address = defaultPort(address, "443")
		} else {
			plan.physicalProtocol = "http"
			httpOptions = socketConf.HTTP
			plan.address = defaultPort(address, "80")
		}

		if !strings.HasPrefix(plan.address, "unix:") && !utils.ValidateListeningAddress(plan.address) {
			o.reportConfigError("Socket \"" + name + "\" has an invalid address \"" + address + "\".")
			continue
		}

		//The rewriter must be built now, while header names can still
		//be registered
		socketRewriter, err := rewrite.NewRewriter(httpOptions, o.builder)
		if err != nil {
			o.reportConfigError("socket " + name + ": " + err.Error())
			continue
		}
		plan.rewriter = socketRewriter

		plans = append(plans, &plan)
	}
	return plans
}

func (o *Orchestrator) runSocket(plan *socketPlan) {
	boundService, err := o.registry.LookupService(&plan.serviceRef, "Socket \""+plan.name+"\"")
	if err != nil {
		o.reportConfigError(err.Error())
		boundService = service.InvalidConfig()
	}

	listenerOptions := listener.Options{
		Name:             plan.name,
		Address:          plan.address,
		Service:          boundService,
		PhysicalProtocol: plan.physicalProtocol,
		Rewriter:         plan.rewriter,
		ProxyProtocol:    plan.proxyProtocol,
		Logger:           o.logger,
	}
	if plan.physicalProtocol == "https" {
		tlsConfig, err := tlsfactory.NewServerConfig(plan.tlsOptions)
		if err != nil {
			o.reportConfigError("socket " + plan.name + ": " + err.Error())
			return
		}
		listenerOptions.TLSConfig = tlsConfig
	}

	thisListener := listener.NewHTTPListener(&listenerOptions)
	if err := thisListener.Listen(); err != nil {
		o.reportFatal(err)
		return
	}

	o.mu.Lock()
	o.listeners = append(o.listeners, thisListener)
	o.mu.Unlock()

	if err := thisListener.Serve(); err != nil {
		o.reportFatal(err)
	}
}

func (o *Orchestrator) reportLeftoverOverrides() {
	for name := range o.overrides.SocketAddrs {
		o.reportConfigError("Config did not define any socket named \"" + name + "\" to match the override provided on the command line.")
	}
	for name := range o.overrides.ExternalAddrs {
		o.reportConfigError("Config did not define any external service named \"" + name + "\" to match the override provided on the command line.")
	}
	for name := range o.overrides.DirectoryPaths {
		o.reportConfigError("Config did not define any disk service named \"" + name + "\" to match the override provided on the command line.")
	}
}

// Append the protocol's default port when the address has none. A bare
// "*" listens on every interface.
func defaultPort(address string, port string) string {
	if strings.HasPrefix(address, "unix:") {
		return address
	}
	if address == "*" {
		return ":" + port
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return address
	}
	if strings.HasPrefix(address, "*:") {
		return strings.TrimPrefix(address, "*")
	}
	return net.JoinHostPort(address, port)
}
