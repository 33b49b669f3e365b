package config

import (
	"encoding/json"
	"errors"
	"os"
)

/*
	Lattice Configuration Schema

	The config file is a JSON document with a list of named services
	and a list of listening sockets. Each service entry is a tagged
	union: exactly one of the kind fields (external / network / worker /
	diskDirectory / kvNamespace) should be set.
*/

type Config struct {
	Services []*ServiceConfig `json:"services"`
	Sockets  []*SocketConfig  `json:"sockets"`
}

/* Service kinds */

type ServiceConfig struct {
	Name string `json:"name"`

	External      *ExternalServer   `json:"external,omitempty"`
	Network       *NetworkConfig    `json:"network,omitempty"`
	Worker        *WorkerConfig     `json:"worker,omitempty"`
	DiskDirectory *DiskDirectory    `json:"diskDirectory,omitempty"`
	KvNamespace   *KvNamespaceStore `json:"kvNamespace,omitempty"`

	// Unknown kind keys are retained so the orchestrator can report
	// a schema-version error instead of silently ignoring them
	Extra map[string]json.RawMessage `json:"-"`
}

// External HTTP / HTTPS origin
type ExternalServer struct {
	Address string         `json:"address,omitempty"`
	HTTP    *ExternalHTTP  `json:"http,omitempty"`
	HTTPS   *ExternalHTTPS `json:"https,omitempty"`
}

type ExternalHTTP struct {
	Options *HTTPOptions `json:"options,omitempty"`
	//Connect to the upstream with HTTP/2 prior knowledge (h2c)
	AllowH2C bool `json:"allowH2C,omitempty"`
}

type ExternalHTTPS struct {
	Options         *HTTPOptions `json:"options,omitempty"`
	TLSOptions      *TLSOptions  `json:"tlsOptions,omitempty"`
	CertificateHost string       `json:"certificateHost,omitempty"`
}

// Outbound network gateway with peer restrictions
type NetworkConfig struct {
	Allow      []string    `json:"allow,omitempty"`
	Deny       []string    `json:"deny,omitempty"`
	TLSOptions *TLSOptions `json:"tlsOptions,omitempty"`
}

// Local directory served over HTTP
type DiskDirectory struct {
	Path          string `json:"path,omitempty"`
	Writable      bool   `json:"writable,omitempty"`
	AllowDotfiles bool   `json:"allowDotfiles,omitempty"`
}

// Local key-value store served over HTTP
type KvNamespaceStore struct {
	Path    string `json:"path,omitempty"`
	Backend string `json:"backend,omitempty"` //boltdb (default) or leveldb
}

/* Worker */

type WorkerConfig struct {
	CompatibilityDate   string      `json:"compatibilityDate,omitempty"`
	CompatibilityFlags  []string    `json:"compatibilityFlags,omitempty"`
	ServiceWorkerScript bool        `json:"serviceWorkerScript,omitempty"`
	Source              string      `json:"source,omitempty"`
	Bindings            []*Binding  `json:"bindings,omitempty"`
	GlobalOutbound      *ServiceRef `json:"globalOutbound,omitempty"`
}

// A binding is a tagged union: exactly one of the value fields is set
type Binding struct {
	Name string `json:"name"`

	Text      *string          `json:"text,omitempty"`
	Data      *string          `json:"data,omitempty"` //base64 encoded bytes
	JSON      *json.RawMessage `json:"json,omitempty"`
	CryptoKey *CryptoKey       `json:"cryptoKey,omitempty"`

	Service     *ServiceRef `json:"service,omitempty"`
	KvNamespace *ServiceRef `json:"kvNamespace,omitempty"`
	R2Bucket    *ServiceRef `json:"r2Bucket,omitempty"`
	R2Admin     *ServiceRef `json:"r2Admin,omitempty"`

	WasmModule             *string          `json:"wasmModule,omitempty"`
	Parameter              *json.RawMessage `json:"parameter,omitempty"`
	DurableObjectNamespace *string          `json:"durableObjectNamespace,omitempty"`
}

type CryptoKey struct {
	Raw    *string `json:"raw,omitempty"`    //base64 encoded raw key bytes
	Hex    *string `json:"hex,omitempty"`    //hex encoded raw key bytes
	Base64 *string `json:"base64,omitempty"` //base64 encoded raw key bytes
	Pkcs8  *string `json:"pkcs8,omitempty"`  //PEM, type PRIVATE KEY
	Spki   *string `json:"spki,omitempty"`   //PEM, type PUBLIC KEY
	Jwk    *string `json:"jwk,omitempty"`    //JSON passthrough

	Algorithm   CryptoKeyAlgorithm `json:"algorithm,omitempty"`
	Extractable bool               `json:"extractable,omitempty"`
	Usages      []string           `json:"usages,omitempty"`
}

type CryptoKeyAlgorithm struct {
	Name *string          `json:"name,omitempty"`
	JSON *json.RawMessage `json:"json,omitempty"`
}

/* Sockets */

type ServiceRef struct {
	Name       string `json:"name"`
	Entrypoint string `json:"entrypoint,omitempty"`
}

type SocketConfig struct {
	Name    string     `json:"name"`
	Address string     `json:"address,omitempty"`
	Service ServiceRef `json:"service"`

	HTTP  *HTTPOptions `json:"http,omitempty"`
	HTTPS *SocketHTTPS `json:"https,omitempty"`

	//Accept HAProxy PROXY protocol preamble on this socket
	ProxyProtocol bool `json:"proxyProtocol,omitempty"`
}

type SocketHTTPS struct {
	Options    *HTTPOptions `json:"options,omitempty"`
	TLSOptions *TLSOptions  `json:"tlsOptions,omitempty"`
}

/* HTTP options */

const (
	StyleProxy = "proxy" //Forward absolute-form request targets untouched
	StyleHost  = "host"  //Origin-form request target plus Host header
)

type HTTPOptions struct {
	Style                 string    `json:"style,omitempty"` //proxy (default) or host
	InjectRequestHeaders  []*Header `json:"injectRequestHeaders,omitempty"`
	InjectResponseHeaders []*Header `json:"injectResponseHeaders,omitempty"`
	ForwardedProtoHeader  string    `json:"forwardedProtoHeader,omitempty"`
	CfBlobHeader          string    `json:"cfBlobHeader,omitempty"`
}

// A header edit. A nil Value means remove instead of set
type Header struct {
	Name  string  `json:"name"`
	Value *string `json:"value,omitempty"`
}

/* TLS options */

const (
	TLSVersionGoodDefault = "goodDefault"
	TLSVersionSSL3        = "ssl3"
	TLSVersion10          = "tls1.0"
	TLSVersion11          = "tls1.1"
	TLSVersion12          = "tls1.2"
	TLSVersion13          = "tls1.3"
)

type TLSOptions struct {
	Keypair             *Keypair `json:"keypair,omitempty"`
	RequireClientCerts  bool     `json:"requireClientCerts,omitempty"`
	TrustBrowserCas     bool     `json:"trustBrowserCas,omitempty"`
	TrustedCertificates []string `json:"trustedCertificates,omitempty"` //PEM blocks
	MinVersion          string   `json:"minVersion,omitempty"`
	CipherList          string   `json:"cipherList,omitempty"`
}

type Keypair struct {
	PrivateKey       string `json:"privateKey"`       //PEM
	CertificateChain string `json:"certificateChain"` //PEM
}

/* Loading */

// Load a config file from disk
func LoadConfig(configFilepath string) (*Config, error) {
	content, err := os.ReadFile(configFilepath)
	if err != nil {
		return nil, err
	}
	return ParseConfig(content)
}

// Parse a raw JSON config document
func ParseConfig(content []byte) (*Config, error) {
	thisConfig := Config{}
	err := json.Unmarshal(content, &thisConfig)
	if err != nil {
		return nil, err
	}

	//Retain unrecognized service kind keys for schema-version reporting
	var rawDoc struct {
		Services []map[string]json.RawMessage `json:"services"`
	}
	if err := json.Unmarshal(content, &rawDoc); err == nil {
		for i, rawService := range rawDoc.Services {
			if i >= len(thisConfig.Services) {
				break
			}
			for key, val := range rawService {
				switch key {
				case "name", "external", "network", "worker", "diskDirectory", "kvNamespace":
					//Known keys
				default:
					if thisConfig.Services[i].Extra == nil {
						thisConfig.Services[i].Extra = map[string]json.RawMessage{}
					}
					thisConfig.Services[i].Extra[key] = val
				}
			}
		}
	}

	return &thisConfig, nil
}

var ErrNoServiceKind = errors.New("service does not specify what to serve")
var ErrMultipleServiceKinds = errors.New("service specifies more than one kind")

// Resolve the union member of a service entry. Returns the kind name
// ("external", "network", "worker", "diskDirectory", "kvNamespace")
// or an error if zero or multiple kinds are set.
func (s *ServiceConfig) Kind() (string, error) {
	kind := ""
	count := 0
	if s.External != nil {
		kind = "external"
		count++
	}
	if s.Network != nil {
		kind = "network"
		count++
	}
	if s.Worker != nil {
		kind = "worker"
		count++
	}
	if s.DiskDirectory != nil {
		kind = "diskDirectory"
		count++
	}
	if s.KvNamespace != nil {
		kind = "kvNamespace"
		count++
	}

	if count == 0 {
		return "", ErrNoServiceKind
	}
	if count > 1 {
		return "", ErrMultipleServiceKinds
	}
	return kind, nil
}
