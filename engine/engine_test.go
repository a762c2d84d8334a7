package engine

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeRepositoryFetchAndNotFound(t *testing.T) {
	fake := NewFakeRepository()
	fake.Put(EntityView{EntityID: 1, EntityName: "E1", Hash: "h1"})

	view, err := fake.FetchEntity(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "h1", view.Hash)

	_, err = fake.FetchEntity(context.Background(), 2)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFakeRepositoryUnavailable(t *testing.T) {
	fake := NewFakeRepository()
	fake.Unavailable = true
	_, err := fake.FetchEntity(context.Background(), 1)
	assert.True(t, errors.Is(err, ErrUnavailable))

	_, err = fake.Version(context.Background())
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestHTTPRepositoryFetchEntity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/entities/1":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{
				"entity_id": 1,
				"entity_name": "E1",
				"entity_hash": "abc",
				"records": [{"data_source": "A", "record_id": "R1"}],
				"relations": [{"related_id": 2, "match_level": 1, "match_key": "NAME", "principle": "P1"}]
			}`))
		case "/entities/99":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer server.Close()

	repo := NewHTTPRepository(server.URL, "test-instance", 5*time.Second)

	view, err := repo.FetchEntity(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.EntityID)
	assert.Equal(t, "abc", view.Hash)
	require.Len(t, view.Members, 1)
	assert.Equal(t, "A", view.Members[0].DataSource)
	require.Len(t, view.Relations, 1)
	assert.Equal(t, int64(2), view.Relations[0].RelatedID)

	_, err = repo.FetchEntity(context.Background(), 99)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHTTPRepositoryVersion(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"config_id": "cfg-1", "instance_name": "test-instance"}`))
	}))
	defer server.Close()

	repo := NewHTTPRepository(server.URL, "test-instance", 5*time.Second)
	info, err := repo.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "cfg-1", info.ConfigID)
}
