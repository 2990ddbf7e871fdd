package remotestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"bitbucket.org/mmdatafocus/possync_backend/utils"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	t.Setenv("REMOTE_STORE_BASE_URL", srv.URL)
	client, err := NewClient("test-key")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, srv
}

func TestClient_WriteBatchChunksLargeInputs(t *testing.T) {
	var mu sync.Mutex
	var chunkSizes []int
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-Key"); got != "test-key" {
			t.Errorf("expected api key header, got %q", got)
		}
		var req struct {
			Merge     bool       `json:"merge"`
			Documents []Document `json:"documents"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Merge {
			t.Error("expected merge mode on every chunk")
		}
		mu.Lock()
		chunkSizes = append(chunkSizes, len(req.Documents))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))

	docs := make([]Document, 1200)
	for i := range docs {
		docs[i] = Document{Id: fmt.Sprintf("d%d", i), Fields: map[string]any{}}
	}
	if err := client.WriteBatch(context.Background(), "tenant-1", "inventory", docs); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(chunkSizes) != 3 {
		t.Fatalf("expected 3 chunks for 1200 documents, got %d", len(chunkSizes))
	}
	if chunkSizes[0] != 500 || chunkSizes[1] != 500 || chunkSizes[2] != 200 {
		t.Fatalf("unexpected chunk sizes: %v", chunkSizes)
	}
}

func TestClient_WriteBatchEmptyIsNoop(t *testing.T) {
	called := false
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	if err := client.WriteBatch(context.Background(), "tenant-1", "inventory", nil); err != nil {
		t.Fatalf("WriteBatch: %v", err)
	}
	if called {
		t.Fatal("expected no request for an empty batch")
	}
}

func TestClient_ServerErrorWrapsRemoteUnavailable(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusBadGateway)
	}))

	err := client.WriteBatch(context.Background(), "tenant-1", "inventory", []Document{{Id: "d1"}})
	if !errors.Is(err, utils.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable, got %v", err)
	}

	_, err = client.ReadCollection(context.Background(), "tenant-1", "inventory", Query{})
	if !errors.Is(err, utils.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable on read, got %v", err)
	}
}

func TestClient_NetworkErrorWrapsRemoteUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()
	t.Setenv("REMOTE_STORE_BASE_URL", url)
	client, err := NewClient("test-key")
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	writeErr := client.WriteBatch(context.Background(), "tenant-1", "inventory", []Document{{Id: "d1"}})
	if !errors.Is(writeErr, utils.ErrRemoteUnavailable) {
		t.Fatalf("expected ErrRemoteUnavailable for a dead endpoint, got %v", writeErr)
	}
}

func TestClient_ReadCollectionAppliesQueryParams(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("branch_id") != "b1" || q.Get("limit") != "25" || q.Get("order_by") != "updatedAt" {
			t.Errorf("unexpected query params: %v", q)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"documents": []Document{{Id: "d1", Fields: map[string]any{"name": "rice"}}},
		})
	}))

	docs, err := client.ReadCollection(context.Background(), "tenant-1", "inventory", Query{
		BranchId: "b1",
		OrderBy:  "updatedAt",
		Limit:    25,
	})
	if err != nil {
		t.Fatalf("ReadCollection: %v", err)
	}
	if len(docs) != 1 || docs[0].Id != "d1" {
		t.Fatalf("expected 1 document, got %v", docs)
	}
}

func TestClient_RequiresTenantId(t *testing.T) {
	client, _ := newTestClient(t, http.NotFoundHandler())
	if err := client.WriteBatch(context.Background(), "", "inventory", []Document{{Id: "d1"}}); err == nil {
		t.Fatal("expected error for empty tenant id")
	}
	if _, err := client.ReadCollection(context.Background(), "", "inventory", Query{}); err == nil {
		t.Fatal("expected error for empty tenant id")
	}
}
