package engine

import (
	"context"
	"sync"
)

// FakeRepository is an in-memory Repository for tests: entities are
// registered directly rather than fetched over HTTP.
type FakeRepository struct {
	mu       sync.Mutex
	entities map[int64]EntityView
	info     Info
	// Unavailable forces FetchEntity/Version to return ErrUnavailable,
	// for exercising retry paths.
	Unavailable bool
	// FetchCalls counts FetchEntity invocations for assertions.
	FetchCalls int
	// VersionCalls counts Version invocations for assertions.
	VersionCalls int
}

// NewFakeRepository creates an empty FakeRepository.
func NewFakeRepository() *FakeRepository {
	return &FakeRepository{entities: make(map[int64]EntityView)}
}

// Put registers or replaces the view returned for view.EntityID.
func (f *FakeRepository) Put(view EntityView) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entities[view.EntityID] = view
}

// Remove makes entityID behave as no longer resolved by the engine.
func (f *FakeRepository) Remove(entityID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entities, entityID)
}

// SetInfo configures the value returned by Version.
func (f *FakeRepository) SetInfo(info Info) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = info
}

// FetchEntity implements Repository.
func (f *FakeRepository) FetchEntity(_ context.Context, entityID int64) (EntityView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FetchCalls++
	if f.Unavailable {
		return EntityView{}, wrapUnavailable("fake repository marked unavailable")
	}
	view, ok := f.entities[entityID]
	if !ok {
		return EntityView{}, wrapNotFound(entityID)
	}
	return view, nil
}

// Version implements Repository.
func (f *FakeRepository) Version(_ context.Context) (Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.VersionCalls++
	if f.Unavailable {
		return Info{}, wrapUnavailable("fake repository marked unavailable")
	}
	return f.info, nil
}

var _ Repository = (*FakeRepository)(nil)
var _ Repository = (*HTTPRepository)(nil)
