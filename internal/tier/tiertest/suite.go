// Package tiertest provides helpers for testing tier.Backend
// implementations: a conformance suite every backend runs, and a backend
// wrapper that injects failures.
package tiertest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/gftdcojp/objtier/internal/tier"
)

// NewObject builds an object with an in-memory payload.
func NewObject(container, name string, data []byte) *tier.Object {
	return &tier.Object{
		ObjectMetadata: tier.ObjectMetadata{
			Container:   container,
			Name:        name,
			Size:        int64(len(data)),
			ContentType: "application/octet-stream",
		},
		Body: io.NopCloser(bytes.NewReader(data)),
	}
}

// ReadAll reads and closes the object's payload.
func ReadAll(t testing.TB, obj *tier.Object) []byte {
	t.Helper()
	defer obj.Body.Close()
	data, err := io.ReadAll(obj.Body)
	if err != nil {
		t.Fatalf("reading %s/%s: %v", obj.Container, obj.Name, err)
	}
	return data
}

// Payload returns n deterministic bytes.
func Payload(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*31 + 7)
	}
	return data
}

// MustCreateContainer creates a container or fails the test.
func MustCreateContainer(t testing.TB, b tier.Backend, name string) {
	t.Helper()
	if _, err := b.CreateContainer(context.Background(), tier.NoLocation, name); err != nil {
		t.Fatalf("creating container %s: %v", name, err)
	}
}

// MustPut stores data under container/name or fails the test.
func MustPut(t testing.TB, b tier.Backend, container, name string, data []byte) {
	t.Helper()
	if _, err := b.PutObject(context.Background(), NewObject(container, name, data)); err != nil {
		t.Fatalf("putting %s/%s: %v", container, name, err)
	}
}

// ListAll follows pagination and returns every object name in a container.
func ListAll(t testing.TB, b tier.Backend, container string, opts tier.ListOptions) []tier.ObjectInfo {
	t.Helper()
	var all []tier.ObjectInfo
	for {
		page, err := b.ListObjects(context.Background(), container, opts)
		if err != nil {
			t.Fatalf("listing %s: %v", container, err)
		}
		all = append(all, page.Objects...)
		if page.NextMarker == "" {
			return all
		}
		opts.Marker = page.NextMarker
	}
}

// RunBackendSuite runs the tier.Backend contract against backends built by
// newBackend. Container names are lower-case alphanumerics so every backend
// can hold them.
func RunBackendSuite(t *testing.T, newBackend func(t *testing.T) tier.Backend) {
	t.Run("PutGetRoundTrip", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		MustCreateContainer(t, b, "photos")

		data := Payload(1024)
		obj := NewObject("photos", "2024/cat.jpg", data)
		obj.ContentType = "image/jpeg"
		obj.UserMetadata = map[string]string{"owner": "alice"}
		etag, err := b.PutObject(ctx, obj)
		if err != nil {
			t.Fatal(err)
		}
		if etag == "" {
			t.Error("expected non-empty etag")
		}

		got, err := b.GetObject(ctx, "photos", "2024/cat.jpg", tier.GetOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(ReadAll(t, got), data) {
			t.Fatal("payload mismatch")
		}
		if got.Size != 1024 {
			t.Errorf("expected size 1024, got %d", got.Size)
		}
		if got.LastModified.IsZero() {
			t.Error("expected last-modified to be set")
		}

		md, err := b.HeadObject(ctx, "photos", "2024/cat.jpg")
		if err != nil {
			t.Fatal(err)
		}
		if md.ContentType != "image/jpeg" {
			t.Errorf("expected content type image/jpeg, got %q", md.ContentType)
		}
		if md.UserMetadata["owner"] != "alice" {
			t.Errorf("expected user metadata owner=alice, got %v", md.UserMetadata)
		}
		if md.ETag != etag {
			t.Errorf("expected etag %q, got %q", etag, md.ETag)
		}
		if md.Container != "photos" || md.Name != "2024/cat.jpg" {
			t.Errorf("unexpected identity %s/%s", md.Container, md.Name)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		MustCreateContainer(t, b, "docs")

		if _, err := b.GetObject(ctx, "docs", "missing", tier.GetOptions{}); !tier.IsNotFound(err) {
			t.Errorf("GetObject: expected ErrNotFound, got %v", err)
		}
		if _, err := b.HeadObject(ctx, "docs", "missing"); !tier.IsNotFound(err) {
			t.Errorf("HeadObject: expected ErrNotFound, got %v", err)
		}
		if _, err := b.GetObject(ctx, "nocontainer", "x", tier.GetOptions{}); !tier.IsNotFound(err) {
			t.Errorf("GetObject in missing container: expected ErrNotFound, got %v", err)
		}
		if err := b.DeleteObject(ctx, "docs", "missing"); err != nil {
			t.Errorf("deleting a missing object should succeed, got %v", err)
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		MustCreateContainer(t, b, "logs")
		MustPut(t, b, "logs", "app.log", []byte("first"))
		MustPut(t, b, "logs", "app.log", []byte("second version"))

		got, err := b.GetObject(ctx, "logs", "app.log", tier.GetOptions{})
		if err != nil {
			t.Fatal(err)
		}
		if string(ReadAll(t, got)) != "second version" {
			t.Fatal("expected overwritten payload")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		MustCreateContainer(t, b, "tmp")
		MustPut(t, b, "tmp", "a", []byte("x"))

		if err := b.DeleteObject(ctx, "tmp", "a"); err != nil {
			t.Fatal(err)
		}
		if _, err := b.HeadObject(ctx, "tmp", "a"); !tier.IsNotFound(err) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("Range", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		MustCreateContainer(t, b, "media")
		MustPut(t, b, "media", "clip", []byte("0123456789"))

		got, err := b.GetObject(ctx, "media", "clip", tier.GetOptions{Range: &tier.ByteRange{Start: 2, End: 5}})
		if err != nil {
			t.Fatal(err)
		}
		if s := string(ReadAll(t, got)); s != "2345" {
			t.Errorf("expected range 2345, got %q", s)
		}

		got, err = b.GetObject(ctx, "media", "clip", tier.GetOptions{Range: &tier.ByteRange{Start: 7, End: -1}})
		if err != nil {
			t.Fatal(err)
		}
		if s := string(ReadAll(t, got)); s != "789" {
			t.Errorf("expected open range 789, got %q", s)
		}
	})

	t.Run("Conditional", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		MustCreateContainer(t, b, "cond")
		MustPut(t, b, "cond", "obj", []byte("payload"))

		md, err := b.HeadObject(ctx, "cond", "obj")
		if err != nil {
			t.Fatal(err)
		}

		got, err := b.GetObject(ctx, "cond", "obj", tier.GetOptions{IfMatch: md.ETag})
		if err != nil {
			t.Fatalf("If-Match with current etag: %v", err)
		}
		got.Body.Close()

		if _, err := b.GetObject(ctx, "cond", "obj", tier.GetOptions{IfMatch: "stale"}); !errors.Is(err, tier.ErrPreconditionFailed) {
			t.Errorf("If-Match with stale etag: expected ErrPreconditionFailed, got %v", err)
		}
		if _, err := b.GetObject(ctx, "cond", "obj", tier.GetOptions{IfNoneMatch: md.ETag}); !errors.Is(err, tier.ErrNotModified) {
			t.Errorf("If-None-Match with current etag: expected ErrNotModified, got %v", err)
		}
		future := time.Now().Add(time.Hour)
		if _, err := b.GetObject(ctx, "cond", "obj", tier.GetOptions{IfModifiedSince: future}); !errors.Is(err, tier.ErrNotModified) {
			t.Errorf("If-Modified-Since in the future: expected ErrNotModified, got %v", err)
		}
	})

	t.Run("Containers", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		exists, err := b.ContainerExists(ctx, "alpha")
		if err != nil {
			t.Fatal(err)
		}
		if exists {
			t.Fatal("container should not exist yet")
		}

		created, err := b.CreateContainer(ctx, tier.NoLocation, "alpha")
		if err != nil {
			t.Fatal(err)
		}
		if !created {
			t.Error("expected first create to report created")
		}
		created, err = b.CreateContainer(ctx, tier.NoLocation, "alpha")
		if err != nil {
			t.Fatal(err)
		}
		if created {
			t.Error("expected second create to report existing")
		}
		MustCreateContainer(t, b, "beta")

		exists, err = b.ContainerExists(ctx, "alpha")
		if err != nil || !exists {
			t.Fatalf("expected alpha to exist, got %v, %v", exists, err)
		}

		var names []string
		marker := ""
		for {
			page, err := b.ListContainers(ctx, marker)
			if err != nil {
				t.Fatal(err)
			}
			for _, c := range page.Containers {
				names = append(names, c.Name)
			}
			if page.NextMarker == "" {
				break
			}
			marker = page.NextMarker
		}
		if fmt.Sprint(names) != "[alpha beta]" {
			t.Errorf("expected [alpha beta], got %v", names)
		}

		MustPut(t, b, "beta", "x", []byte("x"))
		if err := b.DeleteContainer(ctx, "beta"); !errors.Is(err, tier.ErrContainerNotEmpty) {
			t.Errorf("expected ErrContainerNotEmpty, got %v", err)
		}
		if err := b.DeleteContainer(ctx, "alpha"); err != nil {
			t.Fatal(err)
		}
		exists, _ = b.ContainerExists(ctx, "alpha")
		if exists {
			t.Error("alpha should be gone")
		}
	})

	t.Run("ListObjectsPaginated", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		MustCreateContainer(t, b, "many")
		for i := 0; i < 7; i++ {
			MustPut(t, b, "many", fmt.Sprintf("obj-%02d", i), []byte{byte(i)})
		}
		MustPut(t, b, "many", "other", []byte("o"))

		page, err := b.ListObjects(ctx, "many", tier.ListOptions{MaxKeys: 3})
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Objects) != 3 || page.NextMarker == "" {
			t.Fatalf("expected a first page of 3 with a marker, got %d objects, marker %q", len(page.Objects), page.NextMarker)
		}

		all := ListAll(t, b, "many", tier.ListOptions{MaxKeys: 3})
		if len(all) != 8 {
			t.Fatalf("expected 8 objects across pages, got %d", len(all))
		}
		for i := 1; i < len(all); i++ {
			if all[i-1].Name >= all[i].Name {
				t.Fatalf("listing not in ascending order: %s before %s", all[i-1].Name, all[i].Name)
			}
		}
		for _, info := range all {
			if info.LastModified.IsZero() {
				t.Errorf("%s: listing entry missing last-modified", info.Name)
			}
		}

		prefixed := ListAll(t, b, "many", tier.ListOptions{Prefix: "obj-", MaxKeys: 2})
		if len(prefixed) != 7 {
			t.Errorf("expected 7 prefixed objects, got %d", len(prefixed))
		}

		if _, err := b.ListObjects(ctx, "nocontainer", tier.ListOptions{}); !tier.IsNotFound(err) {
			t.Errorf("listing a missing container: expected ErrNotFound, got %v", err)
		}
	})

	t.Run("PutIntoMissingContainer", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.PutObject(context.Background(), NewObject("ghost", "x", []byte("x")))
		if !tier.IsNotFound(err) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}
