package diskserv

import (
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"imuslab.com/lattice/mod/headertable"
	"imuslab.com/lattice/mod/info/logger"
	"imuslab.com/lattice/mod/service"
	"imuslab.com/lattice/mod/utils"
)

/*
	Disk Directory Service

	Serves a local directory tree over HTTP. GET and HEAD read files
	and list directories as JSON, PUT atomically replaces a file when
	the service is writable. Paths containing parent traversal are
	always blocked, dot-prefixed segments are blocked unless dotfiles
	are explicitly allowed.
*/

type Options struct {
	Name          string
	Path          string //Root directory on disk
	Writable      bool
	AllowDotfiles bool
	Logger        *logger.Logger
	Builder       *headertable.Builder
}

type DiskService struct {
	name          string
	root          string
	writable      bool
	allowDotfiles bool
	logger        *logger.Logger
}

func NewDiskService(options *Options) (*DiskService, error) {
	if options.Path == "" {
		return nil, errors.New("disk service \"" + options.Name + "\" has no path")
	}
	if !utils.FileExists(options.Path) {
		return nil, errors.New("disk service \"" + options.Name + "\" path is not accessible")
	}
	if !utils.IsDir(options.Path) {
		return nil, errors.New("disk service \"" + options.Name + "\" path is not a directory")
	}

	if options.Builder != nil {
		options.Builder.Add("Last-Modified")
	}

	return &DiskService{
		name:          options.Name,
		root:          options.Path,
		writable:      options.Writable,
		allowDotfiles: options.AllowDotfiles,
		logger:        options.Logger,
	}, nil
}

func (s *DiskService) StartRequest(metadata service.Metadata) service.RequestHandle {
	//No per-request state to carry
	return &diskHandle{
		UnsupportedEvents: service.UnsupportedEvents{ServiceKind: "Disk directory services"},
		service:           s,
	}
}

type diskHandle struct {
	service.UnsupportedEvents
	service *DiskService
}

func (h *diskHandle) HTTP(w http.ResponseWriter, r *http.Request) error {
	s := h.service
	segments, blocked := s.parsePath(r.URL.Path)

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		s.serveRead(w, r, segments, blocked)
	case http.MethodPut:
		s.servePut(w, r, segments, blocked)
	default:
		http.Error(w, "Not Implemented", http.StatusNotImplemented)
	}
	return nil
}

// Split a URL path into segments and decide whether it is blocked.
// Parent traversal is blocked unconditionally, dot-prefixed segments
// only when dotfiles are disallowed.
func (s *DiskService) parsePath(urlPath string) ([]string, bool) {
	segments := []string{}
	for _, segment := range strings.Split(urlPath, "/") {
		if segment == "" {
			continue
		}
		if segment == ".." {
			return nil, true
		}
		if !s.allowDotfiles && strings.HasPrefix(segment, ".") {
			return nil, true
		}
		if segment == "." {
			//Names the directory itself, contributes nothing
			continue
		}
		segments = append(segments, segment)
	}
	return segments, false
}

func (s *DiskService) diskPath(segments []string) string {
	return filepath.Join(append([]string{s.root}, segments...)...)
}

func (s *DiskService) serveRead(w http.ResponseWriter, r *http.Request, segments []string, blocked bool) {
	if blocked {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	target := s.diskPath(segments)
	meta, err := os.Stat(target)
	if err != nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	switch {
	case meta.Mode().IsRegular():
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Last-Modified", httpTime(meta.ModTime()))
		w.Header().Set("Content-Length", strconv.FormatInt(meta.Size(), 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		file, err := os.Open(target)
		if err != nil {
			return
		}
		defer file.Close()
		io.Copy(w, file)

	case meta.IsDir():
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Last-Modified", httpTime(meta.ModTime()))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte(s.listDirectory(target)))

	default:
		//Devices, pipes and the like are not servable
		http.Error(w, "Not Acceptable", http.StatusNotAcceptable)
	}
}

// Render a directory listing as a JSON array of name and type pairs
func (s *DiskService) listDirectory(target string) string {
	entries, err := os.ReadDir(target)
	if err != nil {
		return "[]"
	}

	jsonEntries := []string{}
	for _, entry := range entries {
		if !s.allowDotfiles && strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		jsonEntries = append(jsonEntries,
			"{\"name\":\""+utils.EscapeJSONString(entry.Name())+"\","+
				"\"type\":\""+nodeType(entry)+"\"}")
	}

	return "[" + strings.Join(jsonEntries, ",") + "]"
}

func nodeType(entry os.DirEntry) string {
	mode := entry.Type()
	switch {
	case mode.IsRegular():
		return "file"
	case mode.IsDir():
		return "directory"
	case mode&os.ModeSymlink != 0:
		return "symlink"
	case mode&os.ModeCharDevice != 0:
		return "characterDevice"
	case mode&os.ModeDevice != 0:
		return "blockDevice"
	case mode&os.ModeNamedPipe != 0:
		return "namedPipe"
	case mode&os.ModeSocket != 0:
		return "socket"
	}
	return "other"
}

func (s *DiskService) servePut(w http.ResponseWriter, r *http.Request, segments []string, blocked bool) {
	if !s.writable {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if blocked {
		http.Error(w, "Unauthorized", http.StatusForbidden)
		return
	}

	target := s.diskPath(segments)
	parent := filepath.Dir(target)
	if err := os.MkdirAll(parent, 0755); err != nil {
		s.logError("failed to create parent directories for "+target, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	//Write into a temporary file next to the target, then rename over
	//it so readers never observe a half written file
	tempFile, err := os.CreateTemp(parent, ".put-*")
	if err != nil {
		s.logError("failed to create temporary file in "+parent, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	tempName := tempFile.Name()

	if _, err := io.Copy(tempFile, r.Body); err != nil {
		tempFile.Close()
		os.Remove(tempName)
		s.logError("failed writing request body to "+tempName, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempName)
		s.logError("failed closing "+tempName, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		s.logError("failed committing "+tempName+" to "+target, err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *DiskService) logError(message string, err error) {
	if s.logger != nil {
		s.logger.PrintAndLog(s.name, message, err)
	}
}

// Render a timestamp the way HTTP likes it, always in GMT
func httpTime(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05") + " GMT"
}
