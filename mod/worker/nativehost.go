package worker

import (
	"errors"
	"net/http"
	"time"
)

/*
	Native script host

	A ScriptHost whose "scripts" are plain Go functions registered by
	worker name. It stands in for a real script engine in tests and in
	embedders that want to expose Go handlers through the worker
	machinery (bindings, channels, waitUntil and all).
*/

type NativeHost struct {
	scripts map[string]*NativeScript
}

func NewNativeHost() *NativeHost {
	return &NativeHost{
		scripts: map[string]*NativeScript{},
	}
}

// Register the handlers behind a worker name
func (h *NativeHost) Define(name string, script *NativeScript) {
	h.scripts[name] = script
}

func (h *NativeHost) NewScript(name string, source ScriptSource, reporter ErrorReporter) Script {
	script, ok := h.scripts[name]
	if !ok {
		reporter.AddError("No script registered for worker \"" + name + "\".")
		return nullScript{}
	}
	return script
}

// A script in Go form: one entrypoint set per export, the empty name
// being the default export
type NativeScript struct {
	Entrypoints map[string]*NativeEntrypoint
}

type NativeEntrypoint struct {
	HTTP      func(env *Environment, w http.ResponseWriter, r *http.Request) error
	Scheduled func(env *Environment, scheduledTime time.Time, cron string) error
	Alarm     func(env *Environment, scheduledTime time.Time) error
	Custom    func(env *Environment, event string) error
}

func (s *NativeScript) ValidateHandlers(reporter ErrorReporter) {
	for name := range s.Entrypoints {
		reporter.AddHandler(name, "fetch")
	}
}

func (s *NativeScript) Instantiate(env *Environment) (Instance, error) {
	return &nativeInstance{script: s, env: env}, nil
}

type nativeInstance struct {
	script *NativeScript
	env    *Environment
}

func (i *nativeInstance) export(entrypoint string) (*NativeEntrypoint, error) {
	export, ok := i.script.Entrypoints[entrypoint]
	if !ok {
		if entrypoint == "" {
			return nil, errors.New("worker has no default entrypoint")
		}
		return nil, errors.New("worker has no entrypoint named \"" + entrypoint + "\"")
	}
	return export, nil
}

func (i *nativeInstance) HTTP(entrypoint string, w http.ResponseWriter, r *http.Request) error {
	export, err := i.export(entrypoint)
	if err != nil {
		return err
	}
	if export.HTTP == nil {
		return errors.New("worker entrypoint does not handle fetch events")
	}
	return export.HTTP(i.env, w, r)
}

func (i *nativeInstance) Scheduled(entrypoint string, scheduledTime time.Time, cron string) error {
	export, err := i.export(entrypoint)
	if err != nil {
		return err
	}
	if export.Scheduled == nil {
		return errors.New("worker entrypoint does not handle scheduled events")
	}
	return export.Scheduled(i.env, scheduledTime, cron)
}

func (i *nativeInstance) Alarm(entrypoint string, scheduledTime time.Time) error {
	export, err := i.export(entrypoint)
	if err != nil {
		return err
	}
	if export.Alarm == nil {
		return errors.New("worker entrypoint does not handle alarm events")
	}
	return export.Alarm(i.env, scheduledTime)
}

func (i *nativeInstance) Custom(entrypoint string, event string) error {
	export, err := i.export(entrypoint)
	if err != nil {
		return err
	}
	if export.Custom == nil {
		return errors.New("worker entrypoint does not handle custom events")
	}
	return export.Custom(i.env, event)
}
