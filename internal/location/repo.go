package location

import "sync"

// Repo holds the latest raw fix and the last published location.
// Safe for concurrent use; readers never block each other.
type Repo struct {
	mu        sync.RWMutex
	current   *Location
	published *Location
}

// NewRepo creates an empty Repo.
func NewRepo() *Repo {
	return &Repo{}
}

// SetCurrentLocation records the most recent fix.
func (r *Repo) SetCurrentLocation(loc Location) {
	r.mu.Lock()
	r.current = &loc
	r.mu.Unlock()
}

// CurrentLocation returns the most recent fix, if any.
func (r *Repo) CurrentLocation() (Location, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return Location{}, false
	}
	return *r.current, true
}

// SetPublishedLocation records the location carried by the last successful publish.
func (r *Repo) SetPublishedLocation(loc Location) {
	r.mu.Lock()
	r.published = &loc
	r.mu.Unlock()
}

// PublishedLocation returns the last published location, if any.
func (r *Repo) PublishedLocation() (Location, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.published == nil {
		return Location{}, false
	}
	return *r.published, true
}
