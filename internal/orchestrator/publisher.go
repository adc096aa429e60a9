package orchestrator

import "mediagrab/internal/models"

// Publisher receives a snapshot on every state change and progress tick. Implementations
// must not block the caller.
type Publisher interface {
	Publish(job models.Job)
}

type PublisherFunc func(job models.Job)

func (f PublisherFunc) Publish(job models.Job) { f(job) }

// Discard drops every snapshot.
var Discard Publisher = PublisherFunc(func(models.Job) {})
