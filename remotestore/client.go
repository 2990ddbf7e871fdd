package remotestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/possync_backend/utils"
)

// MaxBatchSize is the physical batch limit of the remote document store.
// WriteBatch transparently chunks larger inputs.
const MaxBatchSize = 500

// Document is the wire shape of one remote record. Writes are merge-upserts:
// the store creates the document if absent or merges Fields into the
// existing one, never replacing unspecified fields.
type Document struct {
	Id     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Query carries the optional filters a subscription or collection read may
// apply (branch/user scoping, ordering, limit).
type Query struct {
	BranchId string
	UserId   string
	OrderBy  string
	Limit    int
}

// Client talks to the remote multi-tenant document store. Documents live
// under tenant/{tenantId}/{collection}/{docId}. The client never retries;
// retry policy belongs to the sync queue.
type Client struct {
	baseURL   string
	apiKey    string
	apiKeyHdr string
	http      *http.Client
}

func NewClient(apiKey string) (*Client, error) {
	baseURL := strings.TrimSpace(os.Getenv("REMOTE_STORE_BASE_URL"))
	if baseURL == "" {
		baseURL = "https://store.possync.mmdatafocus.com"
	}
	apiKeyHeader := strings.TrimSpace(os.Getenv("REMOTE_STORE_API_KEY_HEADER"))
	if apiKeyHeader == "" {
		apiKeyHeader = "X-API-Key"
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("remote store api key is empty")
	}

	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		apiKeyHdr: apiKeyHeader,
		http:      &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type batchWriteRequest struct {
	Merge     bool       `json:"merge"`
	Documents []Document `json:"documents"`
}

type collectionResponse struct {
	Documents []Document `json:"documents"`
}

func (c *Client) collectionURL(tenantId string, collection string) string {
	return fmt.Sprintf("%s/v1/tenant/%s/%s", c.baseURL, url.PathEscape(tenantId), url.PathEscape(collection))
}

// WriteBatch merge-upserts records in chunks of MaxBatchSize. The store
// stamps a server-assigned updatedAt on every written document.
func (c *Client) WriteBatch(ctx context.Context, tenantId string, collection string, docs []Document) error {
	if tenantId == "" {
		return errors.New("tenant id is required")
	}
	if len(docs) == 0 {
		return nil
	}
	for start := 0; start < len(docs); start += MaxBatchSize {
		end := start + MaxBatchSize
		if end > len(docs) {
			end = len(docs)
		}
		if err := c.writeChunk(ctx, tenantId, collection, docs[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) writeChunk(ctx context.Context, tenantId string, collection string, docs []Document) error {
	body, err := json.Marshal(batchWriteRequest{Merge: true, Documents: docs})
	if err != nil {
		return err
	}
	endpoint := c.collectionURL(tenantId, collection) + ":batchWrite"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", utils.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: remote store error %d: %s", utils.ErrRemoteUnavailable, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return nil
}

// ReadCollection returns the full filtered snapshot of a tenant's collection,
// tombstones included.
func (c *Client) ReadCollection(ctx context.Context, tenantId string, collection string, q Query) ([]Document, error) {
	if tenantId == "" {
		return nil, errors.New("tenant id is required")
	}
	params := url.Values{}
	if q.BranchId != "" {
		params.Set("branch_id", q.BranchId)
	}
	if q.UserId != "" {
		params.Set("user_id", q.UserId)
	}
	if q.OrderBy != "" {
		params.Set("order_by", q.OrderBy)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	endpoint := c.collectionURL(tenantId, collection)
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set(c.apiKeyHdr, c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", utils.ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: remote store error %d: %s", utils.ErrRemoteUnavailable, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed collectionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	return parsed.Documents, nil
}
