package cacheb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"tileproxy/internal/errs"
)

// restBackend is shared plumbing for the three object-store backends
// below. None of S3, Azure Blob Storage or CouchDB has a client
// library anywhere in the retrieved corpus; introducing one here would
// be adding a dependency no example ever reaches for, so each is a
// thin net/http client against the service's plain HTTP surface
// instead (a plain unconditional PUT for S3, so the last writer wins;
// ETag-gated PUT for CouchDB's MVCC).
type restBackend struct {
	name       string
	baseURL    string
	client     *http.Client
	authHeader func(*http.Request)
}

func (r *restBackend) objectURL(key Key) string {
	return r.baseURL + "/" + url.PathEscape(key.String())
}

func (r *restBackend) do(ctx context.Context, method, u string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	if r.authHeader != nil {
		r.authHeader(req)
	}
	return r.client.Do(req)
}

func (r *restBackend) load(ctx context.Context, key Key) ([]byte, bool, error) {
	resp, err := r.do(ctx, http.MethodGet, r.objectURL(key), nil)
	if err != nil {
		return nil, false, &errs.CacheError{Kind: errs.CacheIOError, Backend: r.name, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode >= 300 {
		return nil, false, &errs.CacheError{Kind: errs.CacheIOError, Backend: r.name, Err: fmt.Errorf("GET %s: status %d", r.objectURL(key), resp.StatusCode)}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, &errs.CacheError{Kind: errs.CacheIOError, Backend: r.name, Err: err}
	}
	return data, true, nil
}

func (r *restBackend) remove(ctx context.Context, key Key) error {
	resp, err := r.do(ctx, http.MethodDelete, r.objectURL(key), nil)
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: r.name, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: r.name, Err: fmt.Errorf("DELETE %s: status %d", r.objectURL(key), resp.StatusCode)}
	}
	return nil
}

func (r *restBackend) isCached(ctx context.Context, key Key) (bool, error) {
	resp, err := r.do(ctx, http.MethodHead, r.objectURL(key), nil)
	if err != nil {
		return false, &errs.CacheError{Kind: errs.CacheIOError, Backend: r.name, Err: err}
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// S3Backend talks to an S3-compatible PUT/GET/DELETE/HEAD object API.
type S3Backend struct {
	rest restBackend
}

func NewS3Backend(client *http.Client, endpoint, bucket string, authHeader func(*http.Request)) *S3Backend {
	return &S3Backend{rest: restBackend{name: "s3", baseURL: endpoint + "/" + bucket, client: client, authHeader: authHeader}}
}

func (b *S3Backend) Load(ctx context.Context, key Key) ([]byte, bool, error) { return b.rest.load(ctx, key) }
func (b *S3Backend) Store(ctx context.Context, key Key, data []byte) error {
	resp, err := b.rest.do(ctx, http.MethodPut, b.rest.objectURL(key), data)
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "s3", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "s3", Err: fmt.Errorf("PUT status %d", resp.StatusCode)}
	}
	return nil
}
func (b *S3Backend) Remove(ctx context.Context, key Key) error             { return b.rest.remove(ctx, key) }
func (b *S3Backend) IsCached(ctx context.Context, key Key) (bool, error)   { return b.rest.isCached(ctx, key) }
func (b *S3Backend) LoadMany(ctx context.Context, keys []Key) (map[Key][]byte, error) {
	return EachLoad(ctx, b, keys)
}
func (b *S3Backend) Capabilities() Capabilities { return Capabilities{} }
func (b *S3Backend) Close() error               { return nil }

// AzureBlobBackend talks to Azure Blob Storage's plain REST surface
// (PUT Blob / GET Blob / Delete Blob / HEAD).
type AzureBlobBackend struct {
	rest restBackend
}

func NewAzureBlobBackend(client *http.Client, accountURL, container string, authHeader func(*http.Request)) *AzureBlobBackend {
	return &AzureBlobBackend{rest: restBackend{name: "azureblob", baseURL: accountURL + "/" + container, client: client, authHeader: authHeader}}
}

func (b *AzureBlobBackend) Load(ctx context.Context, key Key) ([]byte, bool, error) {
	return b.rest.load(ctx, key)
}
func (b *AzureBlobBackend) Store(ctx context.Context, key Key, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, b.rest.objectURL(key), bytes.NewReader(data))
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "azureblob", Err: err}
	}
	req.Header.Set("x-ms-blob-type", "BlockBlob")
	if b.rest.authHeader != nil {
		b.rest.authHeader(req)
	}
	resp, err := b.rest.client.Do(req)
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "azureblob", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "azureblob", Err: fmt.Errorf("PUT status %d", resp.StatusCode)}
	}
	return nil
}
func (b *AzureBlobBackend) Remove(ctx context.Context, key Key) error           { return b.rest.remove(ctx, key) }
func (b *AzureBlobBackend) IsCached(ctx context.Context, key Key) (bool, error) { return b.rest.isCached(ctx, key) }
func (b *AzureBlobBackend) LoadMany(ctx context.Context, keys []Key) (map[Key][]byte, error) {
	return EachLoad(ctx, b, keys)
}
func (b *AzureBlobBackend) Capabilities() Capabilities { return Capabilities{} }
func (b *AzureBlobBackend) Close() error               { return nil }

// CouchDBBackend stores each tile as a document attachment, using
// CouchDB's ETag-as-revision MVCC: a Store must first HEAD the
// document to discover its current _rev before a PUT can replace it.
type CouchDBBackend struct {
	rest restBackend
}

func NewCouchDBBackend(client *http.Client, dbURL string, authHeader func(*http.Request)) *CouchDBBackend {
	return &CouchDBBackend{rest: restBackend{name: "couchdb", baseURL: dbURL, client: client, authHeader: authHeader}}
}

func (b *CouchDBBackend) Load(ctx context.Context, key Key) ([]byte, bool, error) {
	return b.rest.load(ctx, key)
}

func (b *CouchDBBackend) currentRev(ctx context.Context, key Key) (string, error) {
	resp, err := b.rest.do(ctx, http.MethodHead, b.rest.objectURL(key), nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return "", nil
	}
	return resp.Header.Get("ETag"), nil
}

func (b *CouchDBBackend) Store(ctx context.Context, key Key, data []byte) error {
	rev, err := b.currentRev(ctx, key)
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "couchdb", Err: err}
	}
	u := b.rest.objectURL(key)
	if rev != "" {
		u += "?rev=" + url.QueryEscape(rev)
	}
	resp, err := b.rest.do(ctx, http.MethodPut, u, data)
	if err != nil {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "couchdb", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &errs.CacheError{Kind: errs.CacheIOError, Backend: "couchdb", Err: fmt.Errorf("PUT status %d", resp.StatusCode)}
	}
	return nil
}
func (b *CouchDBBackend) Remove(ctx context.Context, key Key) error { return b.rest.remove(ctx, key) }
func (b *CouchDBBackend) IsCached(ctx context.Context, key Key) (bool, error) {
	return b.rest.isCached(ctx, key)
}
func (b *CouchDBBackend) LoadMany(ctx context.Context, keys []Key) (map[Key][]byte, error) {
	return EachLoad(ctx, b, keys)
}
func (b *CouchDBBackend) Capabilities() Capabilities { return Capabilities{} }
func (b *CouchDBBackend) Close() error               { return nil }
