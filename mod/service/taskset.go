package service

import (
	"sync"

	"imuslab.com/lattice/mod/info/logger"
)

/*
	Task Set

	Fire-and-forget background work owned by a component, e.g. a
	worker's waitUntil tasks or a listener's per-connection handlers.
	Task failures are logged, never propagated. Wait blocks until the
	set drains.
*/

type TaskSet struct {
	Name   string
	Logger *logger.Logger

	wg sync.WaitGroup
}

func NewTaskSet(name string, systemLogger *logger.Logger) *TaskSet {
	return &TaskSet{
		Name:   name,
		Logger: systemLogger,
	}
}

// Spawn a background task. Errors returned by the task are logged
// under this set's name.
func (t *TaskSet) Add(task func() error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := task(); err != nil {
			if t.Logger != nil {
				t.Logger.PrintAndLog(t.Name, "background task failed", err)
			}
		}
	}()
}

// Block until every spawned task has finished
func (t *TaskSet) Wait() {
	t.wg.Wait()
}

// Channel that closes when every task spawned so far has finished
func (t *TaskSet) OnEmpty() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	return done
}
