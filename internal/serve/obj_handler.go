package serve

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gftdcojp/objtier/internal/tier"
	"github.com/gftdcojp/objtier/internal/types"
	"go.uber.org/zap"
)

// registerObjRoutes registers container and object routes. All of them go
// through the tiered accessor, so reads fall back to cold transparently.
func (h *handler) registerObjRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/containers", h.handleListContainers)
	mux.HandleFunc("GET /v1/containers/{container}", h.handleListObjects)
	mux.HandleFunc("PUT /v1/containers/{container}", h.handleCreateContainer)
	mux.HandleFunc("DELETE /v1/containers/{container}", h.handleDeleteContainer)

	mux.HandleFunc("GET /v1/objects/{container}/{name...}", h.handleObjGet)
	mux.HandleFunc("HEAD /v1/objects/{container}/{name...}", h.handleObjHead)
	mux.HandleFunc("PUT /v1/objects/{container}/{name...}", h.handleObjPut)
	mux.HandleFunc("DELETE /v1/objects/{container}/{name...}", h.handleObjDelete)
}

func (h *handler) handleListContainers(w http.ResponseWriter, r *http.Request) {
	page, err := h.store.Accessor().ListContainers(r.Context(), r.URL.Query().Get("marker"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if page.Containers == nil {
		page.Containers = []types.ContainerInfo{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) handleListObjects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := tier.ListOptions{
		Prefix: q.Get("prefix"),
		Marker: q.Get("marker"),
	}
	if s := q.Get("max_keys"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid max_keys"})
			return
		}
		opts.MaxKeys = n
	}

	page, err := h.store.Accessor().ListObjects(r.Context(), r.PathValue("container"), opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if page.Objects == nil {
		page.Objects = []types.ObjectInfo{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *handler) handleCreateContainer(w http.ResponseWriter, r *http.Request) {
	container := r.PathValue("container")
	loc := tier.Location(r.URL.Query().Get("location"))

	created, err := h.store.Accessor().CreateContainer(r.Context(), loc, container)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	code := http.StatusOK
	if created {
		code = http.StatusCreated
		h.logger.Info("container created", zap.String("container", container))
	}
	writeJSON(w, code, map[string]interface{}{"container": container, "created": created})
}

func (h *handler) handleDeleteContainer(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Accessor().DeleteContainer(r.Context(), r.PathValue("container")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) handleObjGet(w http.ResponseWriter, r *http.Request) {
	container, name := r.PathValue("container"), r.PathValue("name")

	opts, err := getOptions(r.Header)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	obj, err := h.store.Accessor().GetObject(r.Context(), container, name, opts)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer obj.Body.Close()

	setObjectHeaders(w.Header(), &obj.ObjectMetadata)
	code := http.StatusOK
	if opts.Range != nil {
		// The complete length is not known for ranged backend reads.
		end := opts.Range.Start + obj.Size - 1
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/*", opts.Range.Start, end))
		code = http.StatusPartialContent
	}
	w.WriteHeader(code)

	if _, err := io.Copy(w, obj.Body); err != nil {
		h.logger.Warn("object body copy interrupted",
			zap.String("container", container),
			zap.String("name", name),
			zap.Error(err),
		)
	}
}

// handleObjHead reports the object's metadata and the tier answering reads
// for it.
func (h *handler) handleObjHead(w http.ResponseWriter, r *http.Request) {
	t, md, err := h.store.Accessor().Locate(r.Context(), r.PathValue("container"), r.PathValue("name"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	setObjectHeaders(w.Header(), md)
	w.Header().Set(types.HeaderTier, t.String())
	w.WriteHeader(http.StatusOK)
}

func (h *handler) handleObjPut(w http.ResponseWriter, r *http.Request) {
	obj := &tier.Object{
		ObjectMetadata: tier.ObjectMetadata{
			Container:    r.PathValue("container"),
			Name:         r.PathValue("name"),
			ContentType:  r.Header.Get("Content-Type"),
			UserMetadata: userMetadata(r.Header),
		},
		Body: r.Body,
	}
	if r.ContentLength >= 0 {
		obj.Size = r.ContentLength
	}

	etag, err := h.store.Accessor().PutObject(r.Context(), obj)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("ETag", quoteETag(etag))
	writeJSON(w, http.StatusCreated, map[string]string{"etag": etag})
}

func (h *handler) handleObjDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Accessor().DeleteObject(r.Context(), r.PathValue("container"), r.PathValue("name")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getOptions maps request headers onto read options. Unparseable dates are
// ignored, as HTTP requires.
func getOptions(hdr http.Header) (tier.GetOptions, error) {
	opts := tier.GetOptions{
		IfMatch:     hdr.Get("If-Match"),
		IfNoneMatch: hdr.Get("If-None-Match"),
	}
	if s := hdr.Get("If-Modified-Since"); s != "" {
		if t, err := http.ParseTime(s); err == nil {
			opts.IfModifiedSince = t
		}
	}
	if s := hdr.Get("If-Unmodified-Since"); s != "" {
		if t, err := http.ParseTime(s); err == nil {
			opts.IfUnmodifiedSince = t
		}
	}
	if s := hdr.Get("Range"); s != "" {
		r, err := parseRange(s)
		if err != nil {
			return opts, err
		}
		opts.Range = r
	}
	return opts, nil
}

// parseRange accepts a single "bytes=start-end" or "bytes=start-" range.
// Suffix and multi-part ranges are not supported.
func parseRange(s string) (*tier.ByteRange, error) {
	ranges, ok := strings.CutPrefix(s, "bytes=")
	if !ok || strings.Contains(ranges, ",") {
		return nil, fmt.Errorf("unsupported range %q: %w", s, tier.ErrInvalidRange)
	}
	first, last, ok := strings.Cut(ranges, "-")
	if !ok || first == "" {
		return nil, fmt.Errorf("unsupported range %q: %w", s, tier.ErrInvalidRange)
	}
	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("invalid range %q: %w", s, tier.ErrInvalidRange)
	}
	end := int64(-1)
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return nil, fmt.Errorf("invalid range %q: %w", s, tier.ErrInvalidRange)
		}
	}
	return &tier.ByteRange{Start: start, End: end}, nil
}

func setObjectHeaders(hdr http.Header, md *tier.ObjectMetadata) {
	hdr.Set("Content-Length", strconv.FormatInt(md.Size, 10))
	if md.ContentType != "" {
		hdr.Set("Content-Type", md.ContentType)
	} else {
		hdr.Set("Content-Type", "application/octet-stream")
	}
	if md.ETag != "" {
		hdr.Set("ETag", quoteETag(md.ETag))
	}
	if !md.LastModified.IsZero() {
		hdr.Set("Last-Modified", md.LastModified.UTC().Format(http.TimeFormat))
	}
	for k, v := range md.UserMetadata {
		hdr.Set(types.HeaderMetaPrefix+k, v)
	}
}

func userMetadata(hdr http.Header) map[string]string {
	var md map[string]string
	for k, vs := range hdr {
		key, ok := strings.CutPrefix(k, types.HeaderMetaPrefix)
		if !ok || key == "" || len(vs) == 0 {
			continue
		}
		if md == nil {
			md = make(map[string]string)
		}
		md[strings.ToLower(key)] = vs[0]
	}
	return md
}

func quoteETag(etag string) string {
	if strings.HasPrefix(etag, `"`) {
		return etag
	}
	return `"` + etag + `"`
}
