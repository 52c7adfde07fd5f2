// Package client is a Go client for the objtier HTTP API.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gftdcojp/objtier/internal/meta"
	"github.com/gftdcojp/objtier/internal/tier"
	"github.com/gftdcojp/objtier/internal/types"
)

// APIError is a non-success response from the API. It unwraps to the
// matching tier sentinel, so errors.Is(err, tier.ErrNotFound) works.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("objtier: %s", http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("objtier: %s: %s", http.StatusText(e.StatusCode), e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return tier.ErrNotFound
	case http.StatusNotModified:
		return tier.ErrNotModified
	case http.StatusPreconditionFailed:
		return tier.ErrPreconditionFailed
	case http.StatusRequestedRangeNotSatisfiable:
		return tier.ErrInvalidRange
	case http.StatusConflict:
		return tier.ErrContainerNotEmpty
	case http.StatusBadRequest:
		return tier.ErrInvalidName
	}
	return nil
}

// ObjectStat is the result of Stat.
type ObjectStat struct {
	types.ObjectMetadata
	// Tier is the tier currently answering reads, "hot" or "cold".
	Tier string
}

type Client struct {
	base string
	http *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New returns a client for the API at addr, e.g. "http://localhost:8080".
func New(addr string, opts ...Option) *Client {
	c := &Client{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Status(ctx context.Context) (*types.Status, error) {
	var status types.Status
	if err := c.getJSON(ctx, "/v1/status", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Scan runs a migration pass and waits for it to finish.
func (c *Client) Scan(ctx context.Context) (*types.PassStats, error) {
	resp, err := c.do(ctx, http.MethodPost, "/v1/admin/scan", nil, nil)
	if err != nil {
		return nil, err
	}
	var stats types.PassStats
	if err := decode(resp, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// Passes returns up to limit journaled passes, newest first.
func (c *Client) Passes(ctx context.Context, limit int) ([]meta.PassRecord, error) {
	path := "/v1/passes"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var passes []meta.PassRecord
	if err := c.getJSON(ctx, path, &passes); err != nil {
		return nil, err
	}
	return passes, nil
}

func (c *Client) Migration(ctx context.Context, container, name string) (*meta.MigrationRecord, error) {
	var rec meta.MigrationRecord
	if err := c.getJSON(ctx, "/v1/migrations/"+objectPath(container, name), &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *Client) Containers(ctx context.Context, marker string) (*types.ContainerPage, error) {
	path := "/v1/containers"
	if marker != "" {
		path += "?marker=" + url.QueryEscape(marker)
	}
	var page types.ContainerPage
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// CreateContainer reports whether the container was newly created.
func (c *Client) CreateContainer(ctx context.Context, container string) (bool, error) {
	resp, err := c.do(ctx, http.MethodPut, "/v1/containers/"+url.PathEscape(container), nil, nil)
	if err != nil {
		return false, err
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusCreated, nil
}

func (c *Client) DeleteContainer(ctx context.Context, container string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/containers/"+url.PathEscape(container), nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) ListObjects(ctx context.Context, container string, opts types.ListOptions) (*types.ObjectPage, error) {
	q := url.Values{}
	if opts.Prefix != "" {
		q.Set("prefix", opts.Prefix)
	}
	if opts.Marker != "" {
		q.Set("marker", opts.Marker)
	}
	if opts.MaxKeys > 0 {
		q.Set("max_keys", strconv.Itoa(opts.MaxKeys))
	}
	path := "/v1/containers/" + url.PathEscape(container)
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var page types.ObjectPage
	if err := c.getJSON(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) Stat(ctx context.Context, container, name string) (*ObjectStat, error) {
	resp, err := c.do(ctx, http.MethodHead, "/v1/objects/"+objectPath(container, name), nil, nil)
	if err != nil {
		return nil, err
	}
	resp.Body.Close()

	stat := &ObjectStat{
		ObjectMetadata: metadataFromHeader(container, name, resp.Header),
		Tier:           resp.Header.Get(types.HeaderTier),
	}
	if resp.ContentLength >= 0 {
		stat.Size = resp.ContentLength
	}
	return stat, nil
}

// Get fetches an object. The caller must close the returned body.
func (c *Client) Get(ctx context.Context, container, name string, opts types.GetOptions) (*types.Object, error) {
	hdr := http.Header{}
	if opts.Range != nil {
		if opts.Range.End < 0 {
			hdr.Set("Range", fmt.Sprintf("bytes=%d-", opts.Range.Start))
		} else {
			hdr.Set("Range", fmt.Sprintf("bytes=%d-%d", opts.Range.Start, opts.Range.End))
		}
	}
	if opts.IfMatch != "" {
		hdr.Set("If-Match", opts.IfMatch)
	}
	if opts.IfNoneMatch != "" {
		hdr.Set("If-None-Match", opts.IfNoneMatch)
	}
	if !opts.IfModifiedSince.IsZero() {
		hdr.Set("If-Modified-Since", opts.IfModifiedSince.UTC().Format(http.TimeFormat))
	}
	if !opts.IfUnmodifiedSince.IsZero() {
		hdr.Set("If-Unmodified-Since", opts.IfUnmodifiedSince.UTC().Format(http.TimeFormat))
	}

	resp, err := c.do(ctx, http.MethodGet, "/v1/objects/"+objectPath(container, name), hdr, nil)
	if err != nil {
		return nil, err
	}
	obj := &types.Object{
		ObjectMetadata: metadataFromHeader(container, name, resp.Header),
		Body:           resp.Body,
	}
	obj.Size = resp.ContentLength
	return obj, nil
}

// Put uploads an object and returns its ETag.
func (c *Client) Put(ctx context.Context, obj *types.Object) (string, error) {
	hdr := http.Header{}
	if obj.ContentType != "" {
		hdr.Set("Content-Type", obj.ContentType)
	}
	for k, v := range obj.UserMetadata {
		hdr.Set(types.HeaderMetaPrefix+k, v)
	}

	resp, err := c.do(ctx, http.MethodPut, "/v1/objects/"+objectPath(obj.Container, obj.Name), hdr, obj.Body)
	if err != nil {
		return "", err
	}
	var out struct {
		ETag string `json:"etag"`
	}
	if err := decode(resp, &out); err != nil {
		return "", err
	}
	return out.ETag, nil
}

func (c *Client) Delete(ctx context.Context, container, name string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/v1/objects/"+objectPath(container, name), nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, v interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	return decode(resp, v)
}

// do sends a request and turns non-2xx responses into *APIError.
func (c *Client) do(ctx context.Context, method, path string, hdr http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range hdr {
		req.Header[k] = vs
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var msg struct {
		Error string `json:"error"`
	}
	if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&msg) == nil {
		apiErr.Message = msg.Error
	}
	return nil, apiErr
}

func decode(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func objectPath(container, name string) string {
	segments := strings.Split(name, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return url.PathEscape(container) + "/" + strings.Join(segments, "/")
}

func metadataFromHeader(container, name string, hdr http.Header) types.ObjectMetadata {
	md := types.ObjectMetadata{
		Container:   container,
		Name:        name,
		ContentType: hdr.Get("Content-Type"),
		ETag:        strings.Trim(hdr.Get("ETag"), `"`),
	}
	if t, err := time.Parse(http.TimeFormat, hdr.Get("Last-Modified")); err == nil {
		md.LastModified = t
	}
	for k, vs := range hdr {
		key, ok := strings.CutPrefix(k, types.HeaderMetaPrefix)
		if !ok || key == "" || len(vs) == 0 {
			continue
		}
		if md.UserMetadata == nil {
			md.UserMetadata = make(map[string]string)
		}
		md.UserMetadata[strings.ToLower(key)] = vs[0]
	}
	return md
}
