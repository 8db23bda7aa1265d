package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"

	"sftpflow/pkg/flow"
)

// FileStore opens file:// references from an afero filesystem.
type FileStore struct {
	fs afero.Fs
}

// NewFileStore serves references from fs, or from the OS filesystem when fs
// is nil.
func NewFileStore(fs afero.Fs) *FileStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileStore{fs: fs}
}

func (s *FileStore) Open(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	p, err := s.path(ref)
	if err != nil {
		return nil, 0, err
	}
	f, err := s.fs.Open(p)
	if err != nil {
		return nil, 0, openError(ref, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, 0, openError(ref, err)
	}
	return f, info.Size(), nil
}

func (s *FileStore) Stat(ctx context.Context, ref string) (int64, error) {
	p, err := s.path(ref)
	if err != nil {
		return 0, err
	}
	info, err := s.fs.Stat(p)
	if err != nil {
		return 0, openError(ref, err)
	}
	if info.IsDir() {
		return 0, flow.NewError(flow.ErrorTypeContent, fmt.Sprintf("%s is a directory", ref), nil)
	}
	return info.Size(), nil
}

func (s *FileStore) path(ref string) (string, error) {
	u, err := parseRef(ref)
	if err != nil {
		return "", err
	}
	if u.Scheme != "file" {
		return "", flow.NewError(flow.ErrorTypeContent, fmt.Sprintf("not a file reference: %s", ref), nil)
	}
	return u.Path, nil
}

func openError(ref string, err error) error {
	msg := "open " + ref
	if errors.Is(err, os.ErrNotExist) {
		msg = "content not found: " + ref
	}
	return flow.NewError(flow.ErrorTypeContent, msg, err)
}
