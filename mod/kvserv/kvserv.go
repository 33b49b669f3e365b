package kvserv

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"imuslab.com/lattice/mod/database"
	"imuslab.com/lattice/mod/database/dbinc"
	"imuslab.com/lattice/mod/info/logger"
	"imuslab.com/lattice/mod/service"
	"imuslab.com/lattice/mod/utils"
)

/*
	Key-Value Namespace Service

	Serves a persistent key-value namespace over HTTP. The URL path
	minus its leading slash is the key. GET and HEAD read, PUT writes,
	DELETE removes, and GET on the bare root lists key names as JSON,
	optionally filtered with ?prefix= and capped with ?limit=.
*/

// All keys of a namespace live in one table
const kvTable = "kv"

// Listings return at most this many names unless ?limit= asks for less
const maxListLimit = 1000

type Options struct {
	Name    string
	Path    string //Store location on disk
	Backend string //boltdb (default) or leveldb
	Logger  *logger.Logger
}

type KvService struct {
	name   string
	store  *database.Database
	logger *logger.Logger
}

func NewKvService(options *Options) (*KvService, error) {
	if options.Path == "" {
		return nil, errors.New("kv namespace service \"" + options.Name + "\" has no path")
	}

	backendType, err := dbinc.ParseBackendType(options.Backend)
	if err != nil {
		return nil, errors.New("kv namespace service \"" + options.Name + "\" names an unknown backend \"" + options.Backend + "\"")
	}

	store, err := database.NewDatabase(options.Path, backendType)
	if err != nil {
		return nil, err
	}
	if err := store.NewTable(kvTable); err != nil {
		store.Close()
		return nil, err
	}

	return &KvService{
		name:   options.Name,
		store:  store,
		logger: options.Logger,
	}, nil
}

// Release the underlying store
func (s *KvService) Close() {
	s.store.Close()
}

func (s *KvService) StartRequest(metadata service.Metadata) service.RequestHandle {
	return &kvHandle{
		UnsupportedEvents: service.UnsupportedEvents{ServiceKind: "Key-value namespace services"},
		service:           s,
	}
}

type kvHandle struct {
	service.UnsupportedEvents
	service *KvService
}

func (h *kvHandle) HTTP(w http.ResponseWriter, r *http.Request) error {
	s := h.service
	key := strings.TrimPrefix(r.URL.Path, "/")

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		if key == "" {
			s.serveList(w, r)
			return nil
		}
		s.serveRead(w, r, key)
	case http.MethodPut:
		if key == "" {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return nil
		}
		s.serveWrite(w, r, key)
	case http.MethodDelete:
		if key == "" {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return nil
		}
		s.serveDelete(w, key)
	default:
		http.Error(w, "Not Implemented", http.StatusNotImplemented)
	}
	return nil
}

func (s *KvService) serveRead(w http.ResponseWriter, r *http.Request, key string) {
	value, err := s.store.Read(kvTable, key)
	if err != nil {
		if errors.Is(err, dbinc.ErrKeyNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		s.logError("failed reading key "+key, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(value)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	w.Write(value)
}

func (s *KvService) serveWrite(w http.ResponseWriter, r *http.Request, key string) {
	value, err := io.ReadAll(r.Body)
	if err != nil {
		s.logError("failed reading request body for key "+key, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if err := s.store.Write(kvTable, key, value); err != nil {
		s.logError("failed writing key "+key, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *KvService) serveDelete(w http.ResponseWriter, key string) {
	if err := s.store.Delete(kvTable, key); err != nil {
		s.logError("failed deleting key "+key, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	//Deletes are idempotent, a missing key is still a success
	w.WriteHeader(http.StatusNoContent)
}

// List key names as {"keys":[{"name":...}],"list_complete":bool}
func (s *KvService) serveList(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")

	limit := maxListLimit
	if rawLimit := r.URL.Query().Get("limit"); rawLimit != "" {
		parsed, err := strconv.Atoi(rawLimit)
		if err != nil || parsed <= 0 {
			http.Error(w, "Bad Request", http.StatusBadRequest)
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	keys, err := s.store.ListKeys(kvTable, prefix)
	if err != nil {
		s.logError("failed listing keys", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	complete := true
	if len(keys) > limit {
		keys = keys[:limit]
		complete = false
	}

	entries := make([]string, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, "{\"name\":\""+utils.EscapeJSONString(key)+"\"}")
	}
	body := "{\"keys\":[" + strings.Join(entries, ",") + "],\"list_complete\":" + strconv.FormatBool(complete) + "}"

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	w.Write([]byte(body))
}

func (s *KvService) logError(message string, err error) {
	if s.logger != nil {
		s.logger.PrintAndLog(s.name, message, err)
	}
}
