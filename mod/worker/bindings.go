package worker

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"

	"imuslab.com/lattice/mod/config"
	"imuslab.com/lattice/mod/service"
	"imuslab.com/lattice/mod/utils"
)

/*
	Binding compilation

	Turns the binding list of a worker config into the globals handed
	to the script instance. Service-shaped bindings allocate a channel
	in the worker's channel table; the global only records the channel
	number. Every problem is reported and compilation moves on to the
	next binding, so one bad binding never takes down the whole worker.
*/

// Resolves service references during construction
type ServiceResolver func(ref *config.ServiceRef, errorContext string) (service.Service, error)

func compileBindings(workerName string, serviceWorkerScript bool, bindings []*config.Binding,
	channels *ChannelTable, resolve ServiceResolver, reporter ErrorReporter) []Global {

	globals := make([]Global, 0, len(bindings))
	addGlobal := func(name string, value any) {
		globals = append(globals, Global{Name: name, Value: value})
	}

	for _, binding := range bindings {
		errorContext := "Worker \"" + workerName + "\"'s binding \"" + binding.Name + "\""

		//Resolve a service-shaped binding to a channel number. On
		//failure the channel still gets a slot, pointing at the
		//poisoned service, so numbering stays deterministic.
		resolveChannel := func(ref *config.ServiceRef) int {
			resolved, err := resolve(ref, errorContext)
			if err != nil {
				reporter.AddError(err.Error())
				resolved = service.InvalidConfig()
			}
			return channels.append(resolved)
		}

		switch {
		case binding.Text != nil:
			addGlobal(binding.Name, *binding.Text)

		case binding.Data != nil:
			decoded, err := base64.StdEncoding.DecodeString(*binding.Data)
			if err != nil {
				reporter.AddError(errorContext + " contains invalid base64 data.")
				continue
			}
			addGlobal(binding.Name, decoded)

		case binding.JSON != nil:
			addGlobal(binding.Name, JSONValue{JSON: string(*binding.JSON)})

		case binding.CryptoKey != nil:
			keyGlobal, ok := compileCryptoKey(binding.Name, binding.CryptoKey, reporter)
			if !ok {
				continue
			}
			addGlobal(binding.Name, keyGlobal)

		case binding.Service != nil:
			addGlobal(binding.Name, FetcherChannel{
				Channel:      resolveChannel(binding.Service),
				RequiresHost: true,
			})

		case binding.KvNamespace != nil:
			addGlobal(binding.Name, KvNamespaceChannel{
				SubrequestChannel: resolveChannel(binding.KvNamespace),
			})

		case binding.R2Bucket != nil:
			addGlobal(binding.Name, R2BucketChannel{
				SubrequestChannel: resolveChannel(binding.R2Bucket),
			})

		case binding.R2Admin != nil:
			addGlobal(binding.Name, R2AdminChannel{
				SubrequestChannel: resolveChannel(binding.R2Admin),
			})

		case binding.WasmModule != nil:
			if !serviceWorkerScript {
				reporter.AddError(errorContext + " is a Wasm binding, but Wasm bindings are not allowed in " +
					"modules-based scripts. Use Wasm modules instead.")
				continue
			}
			decoded, err := base64.StdEncoding.DecodeString(*binding.WasmModule)
			if err != nil {
				reporter.AddError(errorContext + " contains invalid base64 data.")
				continue
			}
			addGlobal(binding.Name, WasmModuleValue{Module: decoded})

		case binding.Parameter != nil:
			reporter.AddError(errorContext + " is a parameter binding, which is not yet implemented.")

		case binding.DurableObjectNamespace != nil:
			reporter.AddError(errorContext + " is a Durable Object namespace binding, which is not yet implemented.")

		default:
			reporter.AddError(errorContext + " does not specify any binding value.")
		}
	}

	return globals
}

func compileCryptoKey(bindingName string, keyConf *config.CryptoKey, reporter ErrorReporter) (CryptoKeyValue, bool) {
	keyGlobal := CryptoKeyValue{}

	switch {
	case keyConf.Raw != nil:
		keyGlobal.Format = "raw"
		decoded, err := base64.StdEncoding.DecodeString(*keyConf.Raw)
		if err != nil {
			reporter.AddError("CryptoKey binding \"" + bindingName + "\" contained invalid base64.")
			return keyGlobal, false
		}
		keyGlobal.KeyData = decoded

	case keyConf.Hex != nil:
		keyGlobal.Format = "raw"
		decoded, err := hex.DecodeString(*keyConf.Hex)
		if err != nil {
			reporter.AddError("CryptoKey binding \"" + bindingName + "\" contained invalid hex.")
			return keyGlobal, false
		}
		keyGlobal.KeyData = decoded

	case keyConf.Base64 != nil:
		keyGlobal.Format = "raw"
		decoded, err := base64.StdEncoding.DecodeString(*keyConf.Base64)
		if err != nil {
			reporter.AddError("CryptoKey binding \"" + bindingName + "\" contained invalid base64.")
			return keyGlobal, false
		}
		keyGlobal.KeyData = decoded

	case keyConf.Pkcs8 != nil:
		keyGlobal.Format = "pkcs8"
		data, ok := decodePEM(bindingName, *keyConf.Pkcs8, "PRIVATE KEY", reporter)
		if !ok {
			return keyGlobal, false
		}
		keyGlobal.KeyData = data

	case keyConf.Spki != nil:
		keyGlobal.Format = "spki"
		data, ok := decodePEM(bindingName, *keyConf.Spki, "PUBLIC KEY", reporter)
		if !ok {
			return keyGlobal, false
		}
		keyGlobal.KeyData = data

	case keyConf.Jwk != nil:
		keyGlobal.Format = "jwk"
		keyGlobal.KeyJSON = *keyConf.Jwk

	default:
		reporter.AddError("Encountered unknown CryptoKey type for binding \"" + bindingName +
			"\". Was the config compiled with a newer version of the schema?")
		return keyGlobal, false
	}

	switch {
	case keyConf.Algorithm.Name != nil:
		keyGlobal.AlgorithmJSON = "\"" + utils.EscapeJSONString(*keyConf.Algorithm.Name) + "\""
	case keyConf.Algorithm.JSON != nil:
		keyGlobal.AlgorithmJSON = string(*keyConf.Algorithm.JSON)
	default:
		reporter.AddError("Encountered unknown CryptoKey algorithm type for binding \"" + bindingName +
			"\". Was the config compiled with a newer version of the schema?")
		return keyGlobal, false
	}

	keyGlobal.Extractable = keyConf.Extractable
	keyGlobal.Usages = append([]string{}, keyConf.Usages...)

	return keyGlobal, true
}

func decodePEM(bindingName string, pemText string, expectedType string, reporter ErrorReporter) ([]byte, bool) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		reporter.AddError("CryptoKey binding \"" + bindingName + "\" contained invalid PEM format.")
		return nil, false
	}
	if block.Type != expectedType {
		reporter.AddError("CryptoKey binding \"" + bindingName + "\" contained wrong PEM type, " +
			"expected \"" + expectedType + "\" but got \"" + block.Type + "\".")
		return nil, false
	}
	return block.Bytes, true
}
