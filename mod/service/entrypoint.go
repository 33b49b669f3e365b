package service

/*
	Worker Entrypoint Shim

	A thin service that pins a specific named entrypoint of a worker.
	The resolver hands these out when a ServiceRef carries an
	entrypoint name.
*/

// Implemented by worker services that can start a request on a
// specific named entrypoint
type EntrypointStarter interface {
	StartRequestForEntrypoint(metadata Metadata, entrypoint string) RequestHandle
}

type EntrypointService struct {
	worker     EntrypointStarter
	entrypoint string
}

func NewEntrypointService(worker EntrypointStarter, entrypoint string) *EntrypointService {
	return &EntrypointService{
		worker:     worker,
		entrypoint: entrypoint,
	}
}

func (s *EntrypointService) StartRequest(metadata Metadata) RequestHandle {
	return s.worker.StartRequestForEntrypoint(metadata, s.entrypoint)
}
