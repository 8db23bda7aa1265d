package remote

import (
	"context"
	"io"
	"os"
	"path"
	"time"

	"sftpflow/pkg/flow"
	"sftpflow/pkg/params"
)

// Entry describes one item in a remote directory.
type Entry struct {
	Name       string    `json:"name"`
	FullPath   string    `json:"full_path"`
	IsDir      bool      `json:"is_dir"`
	IsRegular  bool      `json:"is_regular"`
	ModifiedAt time.Time `json:"modified_at"`
	Size       uint64    `json:"size"`
}

// Client is an authenticated connection to a remote filesystem. A Client
// is owned by a single caller and is not safe for concurrent use.
type Client interface {
	List(ctx context.Context, dir string) ([]Entry, error)
	// Stat returns nil without error when dir/name does not exist.
	Stat(ctx context.Context, dir, name string) (*Entry, error)
	MkdirAll(ctx context.Context, dir string) error
	// Put streams r to dir/name and returns the resulting remote path.
	Put(ctx context.Context, dir, name string, r io.Reader) (string, error)
	Delete(ctx context.Context, dir, name string) error
	HomeDirectory(ctx context.Context) (string, error)
	Close() error
}

// Dialer connects and authenticates within p.Timeout.
type Dialer interface {
	Dial(ctx context.Context, p *params.ConnectionParameters) (Client, error)
	Protocol() string
}

func entryFromInfo(dir string, info os.FileInfo) Entry {
	size := info.Size()
	if size < 0 {
		size = 0
	}
	return Entry{
		Name:       info.Name(),
		FullPath:   path.Join(dir, info.Name()),
		IsDir:      info.IsDir(),
		IsRegular:  info.Mode().IsRegular(),
		ModifiedAt: info.ModTime(),
		Size:       uint64(size),
	}
}

func transportError(op, target string, err error) error {
	return flow.NewError(flow.ErrorTypeTransport, op+" "+target, err)
}

func connectionError(msg string, err error) error {
	return flow.NewError(flow.ErrorTypeConnection, msg, err)
}

type readerFunc func(p []byte) (n int, err error)

func (rf readerFunc) Read(p []byte) (n int, err error) { return rf(p) }

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	return io.Copy(dst, readerFunc(func(p []byte) (int, error) {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
			return src.Read(p)
		}
	}))
}
