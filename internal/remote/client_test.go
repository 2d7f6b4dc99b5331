package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"measureforge/internal/types"
)

func catalogueServer(t *testing.T, components map[string]*types.Component) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /components", func(w http.ResponseWriter, r *http.Request) {
		summaries := make([]types.ComponentSummary, 0, len(components))
		for id, c := range components {
			summaries = append(summaries, types.ComponentSummary{ID: id, Name: c.Name})
		}
		json.NewEncoder(w).Encode(summaries)
	})
	mux.HandleFunc("GET /components/{id}", func(w http.ResponseWriter, r *http.Request) {
		c, ok := components[r.PathValue("id")]
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(c)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestFetchCatalogue(t *testing.T) {
	components := map[string]*types.Component{
		"c1": {ID: "c1", Kind: types.KindAtomic, Name: "first"},
		"c2": {ID: "c2", Kind: types.KindAtomic, Name: "second"},
		"c3": {ID: "c3", Kind: types.KindComposite, Name: "third"},
	}
	srv := catalogueServer(t, components)
	client := NewClient(srv.URL, WithFetchConcurrency(2))

	got, err := client.FetchCatalogue(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, "c2", got[1].ID)
	assert.Equal(t, "c3", got[2].ID)
}

func TestFetchCatalogueFailsOnPartialFetch(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /components", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]types.ComponentSummary{{ID: "c1"}, {ID: "missing"}})
	})
	mux.HandleFunc("GET /components/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("id") != "c1" {
			http.Error(w, "gone", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(&types.Component{ID: "c1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := NewClient(srv.URL).FetchCatalogue(context.Background())
	assert.Error(t, err, "a partial catalogue must never be returned")
}

func TestCreateAndUpdateSendJSON(t *testing.T) {
	var gotMethod, gotPath string
	var gotDTO types.AtomicComponentDTO
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotDTO))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	dto := types.AtomicComponentDTO{ID: "c1", Name: "test", ValueSetOid: "1.2.3"}
	require.NoError(t, client.CreateAtomicComponent(context.Background(), dto))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/components", gotPath)
	assert.Equal(t, "1.2.3", gotDTO.ValueSetOid)

	require.NoError(t, client.UpdateComponent(context.Background(), "c1", dto))
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "/components/c1", gotPath)
}

func TestLifecycleEndpoints(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	ctx := context.Background()
	require.NoError(t, client.DeleteComponent(ctx, "c1"))
	require.NoError(t, client.ArchiveComponent(ctx, "c1"))
	require.NoError(t, client.ApproveComponent(ctx, "c1", "reviewer"))
	require.NoError(t, client.RecordUsage(ctx, "c1", "m1"))

	assert.Equal(t, []string{
		"DELETE /components/c1",
		"POST /components/c1/archive",
		"POST /components/c1/approve",
		"POST /components/c1/usage",
	}, paths)
}

func TestNon2xxBecomesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "catalogue is read only", http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).DeleteComponent(context.Background(), "c1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "catalogue is read only")
}

func TestRequestTimeout(t *testing.T) {
	var hit atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Store(true)
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, WithTimeout(50*time.Millisecond))
	_, err := client.ListComponentSummaries(context.Background())
	assert.Error(t, err)
	assert.True(t, hit.Load())
}

func TestBaseURLTrailingSlashTrimmed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/components", r.URL.Path)
		json.NewEncoder(w).Encode([]types.ComponentSummary{})
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL + "/").ListComponentSummaries(context.Background())
	assert.NoError(t, err)
}
