package content

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"

	"sftpflow/pkg/flow"
)

// Opener gives access to the bytes a record's content reference points at.
type Opener interface {
	// Open returns a reader over the content and its size in bytes.
	Open(ctx context.Context, ref string) (io.ReadCloser, int64, error)
	Stat(ctx context.Context, ref string) (int64, error)
}

// Router dispatches references to an Opener by URI scheme.
type Router struct {
	openers map[string]Opener
}

func NewRouter() *Router {
	return &Router{openers: make(map[string]Opener)}
}

func (r *Router) Register(scheme string, o Opener) *Router {
	r.openers[strings.ToLower(scheme)] = o
	return r
}

func (r *Router) Open(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	o, err := r.route(ref)
	if err != nil {
		return nil, 0, err
	}
	return o.Open(ctx, ref)
}

func (r *Router) Stat(ctx context.Context, ref string) (int64, error) {
	o, err := r.route(ref)
	if err != nil {
		return 0, err
	}
	return o.Stat(ctx, ref)
}

func (r *Router) route(ref string) (Opener, error) {
	u, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	o, ok := r.openers[u.Scheme]
	if !ok {
		return nil, flow.NewError(flow.ErrorTypeContent, fmt.Sprintf("no content store for scheme %q", u.Scheme), nil)
	}
	return o, nil
}

func parseRef(ref string) (*url.URL, error) {
	if ref == "" {
		return nil, flow.NewError(flow.ErrorTypeContent, "record has no content reference", nil)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return nil, flow.NewError(flow.ErrorTypeContent, fmt.Sprintf("invalid content reference %q", ref), err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

// FileRef builds the reference of a local file.
func FileRef(path string) string {
	return (&url.URL{Scheme: "file", Path: path}).String()
}

// ObjectRef builds the reference of an object in bucket.
func ObjectRef(bucket, key string) string {
	return (&url.URL{Scheme: "s3", Host: bucket, Path: "/" + strings.TrimPrefix(key, "/")}).String()
}
