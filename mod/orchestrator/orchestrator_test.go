package orchestrator_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imuslab.com/lattice/mod/config"
	"imuslab.com/lattice/mod/orchestrator"
	"imuslab.com/lattice/mod/service"
	"imuslab.com/lattice/mod/worker"
)

func echoScript() *worker.NativeScript {
	return &worker.NativeScript{
		Entrypoints: map[string]*worker.NativeEntrypoint{
			"": {
				HTTP: func(env *worker.Environment, w http.ResponseWriter, r *http.Request) error {
					w.Header().Set("X-Cf-Blob", env.CfBlobJSON)
					w.WriteHeader(http.StatusOK)
					io.WriteString(w, "echo "+r.URL.Path)
					return nil
				},
			},
		},
	}
}

// Spin up an orchestrator from raw config JSON and wait for its
// sockets to bind. Cleanup tears the whole thing down.
func startServer(t *testing.T, configJSON string, host worker.ScriptHost, overrides *orchestrator.Overrides) *orchestrator.Orchestrator {
	t.Helper()
	conf, err := config.ParseConfig([]byte(configJSON))
	require.NoError(t, err)

	if host == nil {
		host = worker.NewNativeHost()
	}
	instance := orchestrator.NewOrchestrator(&orchestrator.Options{
		Config:     conf,
		Overrides:  overrides,
		ScriptHost: host,
	})

	go instance.Run(context.Background())
	t.Cleanup(instance.Shutdown)
	return instance
}

func waitForSocket(t *testing.T, instance *orchestrator.Orchestrator, socketName string) string {
	t.Helper()
	var address string
	require.Eventually(t, func() bool {
		addr, ok := instance.ListenerAddrs()[socketName]
		if !ok || addr == nil {
			return false
		}
		address = addr.String()
		return true
	}, 5*time.Second, 10*time.Millisecond, "socket %q never bound", socketName)
	return address
}

func TestWorkerBehindSocket(t *testing.T) {
	host := worker.NewNativeHost()
	host.Define("app", echoScript())

	instance := startServer(t, `{
		"services": [
			{"name": "app", "worker": {"compatibilityDate": "2024-01-01"}}
		],
		"sockets": [
			{"name": "http", "address": "127.0.0.1:0", "service": {"name": "app"}}
		]
	}`, host, nil)

	address := waitForSocket(t, instance, "http")
	response, err := http.Get("http://" + address + "/hello")
	require.NoError(t, err)
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, "echo /hello", string(body))

	//The worker sees the synthesized client identity of the connection
	assert.Equal(t, "{\"clientIp\": \"127.0.0.1\"}", response.Header.Get("X-Cf-Blob"))

	assert.Empty(t, instance.ConfigErrors())
}

func TestDiskServiceBehindSocket(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("from disk"), 0644))

	instance := startServer(t, `{
		"services": [
			{"name": "files", "diskDirectory": {"path": `+jsonString(root)+`}}
		],
		"sockets": [
			{"name": "http", "address": "127.0.0.1:0", "service": {"name": "files"}}
		]
	}`, nil, nil)

	address := waitForSocket(t, instance, "http")
	response, err := http.Get("http://" + address + "/hello.txt")
	require.NoError(t, err)
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, "from disk", string(body))
}

func TestDuplicateServiceNames(t *testing.T) {
	instance := startServer(t, `{
		"services": [
			{"name": "app", "worker": {"compatibilityDate": "2024-01-01"}},
			{"name": "app", "network": {}}
		],
		"sockets": []
	}`, nil, nil)

	requireConfigError(t, instance, "Config defines multiple services named \"app\".")
}

func TestSocketReferencesUndefinedService(t *testing.T) {
	instance := startServer(t, `{
		"services": [],
		"sockets": [
			{"name": "http", "address": "127.0.0.1:0", "service": {"name": "ghost"}}
		]
	}`, nil, nil)

	requireConfigError(t, instance, "Socket \"http\" refers to a service \"ghost\", but no such service is defined.")

	//The socket still binds and answers with a server error
	address := waitForSocket(t, instance, "http")
	response, err := http.Get("http://" + address + "/")
	require.NoError(t, err)
	defer response.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, response.StatusCode)
}

func TestUnknownServiceKind(t *testing.T) {
	instance := startServer(t, `{
		"services": [
			{"name": "future", "quantumTunnel": {}}
		],
		"sockets": []
	}`, nil, nil)

	requireConfigError(t, instance, "Encountered unknown service type in \"future\". Was the config compiled with a newer version of the schema?")
}

func TestSocketWithoutAddress(t *testing.T) {
	instance := startServer(t, `{
		"services": [
			{"name": "app", "worker": {"compatibilityDate": "2024-01-01"}}
		],
		"sockets": [
			{"name": "http", "service": {"name": "app"}}
		]
	}`, nil, nil)

	requireConfigError(t, instance, "Socket \"http\" has no address in the config, so must be specified on the command line with `--socket-addr`.")
}

func TestSocketInvalidAddress(t *testing.T) {
	instance := startServer(t, `{
		"services": [
			{"name": "app", "worker": {"compatibilityDate": "2024-01-01"}}
		],
		"sockets": [
			{"name": "http", "address": "127.0.0.1:", "service": {"name": "app"}}
		]
	}`, nil, nil)

	requireConfigError(t, instance, "Socket \"http\" has an invalid address \"127.0.0.1:\".")
}

func TestShutdownDrainsBackgroundTasks(t *testing.T) {
	var finished atomic.Bool
	host := worker.NewNativeHost()
	host.Define("app", &worker.NativeScript{
		Entrypoints: map[string]*worker.NativeEntrypoint{
			"": {
				HTTP: func(env *worker.Environment, w http.ResponseWriter, r *http.Request) error {
					env.WaitUntil.Add(func() error {
						time.Sleep(200 * time.Millisecond)
						finished.Store(true)
						return nil
					})
					w.WriteHeader(http.StatusAccepted)
					return nil
				},
			},
		},
	})

	conf, err := config.ParseConfig([]byte(`{
		"services": [
			{"name": "app", "worker": {"compatibilityDate": "2024-01-01"}}
		],
		"sockets": [
			{"name": "http", "address": "127.0.0.1:0", "service": {"name": "app"}}
		]
	}`))
	require.NoError(t, err)

	instance := orchestrator.NewOrchestrator(&orchestrator.Options{
		Config:     conf,
		ScriptHost: host,
	})
	runDone := make(chan struct{})
	go func() {
		instance.Run(context.Background())
		close(runDone)
	}()

	address := waitForSocket(t, instance, "http")
	response, err := http.Get("http://" + address + "/")
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, http.StatusAccepted, response.StatusCode)

	//Run must not return before the scheduled background task completes
	instance.Shutdown()
	select {
	case <-runDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Run never returned after Shutdown")
	}
	assert.True(t, finished.Load())
}

func TestSocketAddressOverride(t *testing.T) {
	host := worker.NewNativeHost()
	host.Define("app", echoScript())

	instance := startServer(t, `{
		"services": [
			{"name": "app", "worker": {"compatibilityDate": "2024-01-01"}}
		],
		"sockets": [
			{"name": "http", "service": {"name": "app"}}
		]
	}`, host, &orchestrator.Overrides{
		SocketAddrs: map[string]string{"http": "127.0.0.1:0"},
	})

	address := waitForSocket(t, instance, "http")
	response, err := http.Get("http://" + address + "/")
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Empty(t, instance.ConfigErrors())
}

func TestLeftoverOverridesReported(t *testing.T) {
	instance := startServer(t, `{
		"services": [],
		"sockets": []
	}`, nil, &orchestrator.Overrides{
		SocketAddrs:    map[string]string{"nosuch": "127.0.0.1:0"},
		ExternalAddrs:  map[string]string{"noext": "127.0.0.1:1234"},
		DirectoryPaths: map[string]string{"nodisk": "/tmp"},
	})

	requireConfigError(t, instance, "Config did not define any socket named \"nosuch\" to match the override provided on the command line.")
	requireConfigError(t, instance, "Config did not define any external service named \"noext\" to match the override provided on the command line.")
	requireConfigError(t, instance, "Config did not define any disk service named \"nodisk\" to match the override provided on the command line.")
}

func TestExternalServiceProxying(t *testing.T) {
	//Stand up a plain backend to be the external origin
	var seenPath, seenAPIKey string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenPath = r.URL.Path
		seenAPIKey = r.Header.Get("X-Api-Key")
		io.WriteString(w, "origin answer")
	}))
	defer backend.Close()
	backendAddress := strings.TrimPrefix(backend.URL, "http://")

	instance := startServer(t, `{
		"services": [
			{"name": "origin", "external": {"address": `+jsonString(backendAddress)+`, "http": {"options": {
				"style": "host",
				"injectRequestHeaders": [{"name": "X-Api-Key", "value": "secret"}]
			}}}}
		],
		"sockets": [
			{"name": "http", "address": "127.0.0.1:0", "service": {"name": "origin"}}
		]
	}`, nil, nil)

	address := waitForSocket(t, instance, "http")
	response, err := http.Get("http://" + address + "/any/path")
	require.NoError(t, err)
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, response.StatusCode)
	assert.Equal(t, "origin answer", string(body))

	//The origin saw an origin-form target with the injected header
	assert.Equal(t, "/any/path", seenPath)
	assert.Equal(t, "secret", seenAPIKey)
}

func TestWorkerBindingToKvNamespace(t *testing.T) {
	kvPath := filepath.Join(t.TempDir(), "kv.db")

	var kvChannel int = -1
	host := worker.NewNativeHost()
	host.Define("app", &worker.NativeScript{
		Entrypoints: map[string]*worker.NativeEntrypoint{
			"": {
				HTTP: func(env *worker.Environment, w http.ResponseWriter, r *http.Request) error {
					for _, global := range env.Globals {
						if channel, ok := global.Value.(worker.KvNamespaceChannel); ok {
							kvChannel = channel.SubrequestChannel
						}
					}
					//Drive a subrequest through the channel table
					handle, err := env.Channels.StartSubrequest(kvChannel, service.Metadata{})
					if err != nil {
						return err
					}
					return handle.HTTP(w, r)
				},
			},
		},
	})

	instance := startServer(t, `{
		"services": [
			{"name": "store", "kvNamespace": {"path": `+jsonString(kvPath)+`}},
			{"name": "app", "worker": {
				"compatibilityDate": "2024-01-01",
				"bindings": [{"name": "STORE", "kvNamespace": {"name": "store"}}]
			}}
		],
		"sockets": [
			{"name": "http", "address": "127.0.0.1:0", "service": {"name": "app"}}
		]
	}`, host, nil)

	address := waitForSocket(t, instance, "http")

	request, err := http.NewRequest(http.MethodPut, "http://"+address+"/mykey", strings.NewReader("myvalue"))
	require.NoError(t, err)
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	response.Body.Close()
	assert.Equal(t, http.StatusNoContent, response.StatusCode)

	response, err = http.Get("http://" + address + "/mykey")
	require.NoError(t, err)
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	require.NoError(t, err)
	assert.Equal(t, "myvalue", string(body))

	//Channel 2 is the first binding after the two outbound slots
	assert.Equal(t, 2, kvChannel)
}

func requireConfigError(t *testing.T, instance *orchestrator.Orchestrator, expected string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, message := range instance.ConfigErrors() {
			if message == expected {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "config error %q never reported", expected)
}

func jsonString(s string) string {
	encoded := strings.ReplaceAll(s, "\\", "\\\\")
	encoded = strings.ReplaceAll(encoded, "\"", "\\\"")
	return "\"" + encoded + "\""
}
