package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sync"

	"github.com/spf13/afero"

	"sftpflow/pkg/params"
)

// FsHost is a remote host served from an afero filesystem.
type FsHost struct {
	Fs       afero.Fs
	Home     string
	Username string
	// Secret, when set, must match the resolved password or private key.
	Secret string
}

// FsDialer serves Clients from in-process filesystems keyed by host name.
// Unknown hosts fail the way an unresolvable name does on a real network.
type FsDialer struct {
	mu    sync.Mutex
	hosts map[string]*FsHost
	dials int
}

func NewFsDialer() *FsDialer {
	return &FsDialer{hosts: make(map[string]*FsHost)}
}

// AddHost registers host. A nil fs is replaced by a fresh MemMapFs.
func (d *FsDialer) AddHost(host string, h *FsHost) *FsHost {
	if h.Fs == nil {
		h.Fs = afero.NewMemMapFs()
	}
	if h.Home == "" {
		h.Home = "/"
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hosts[host] = h
	return h
}

// Dials returns how many connections were opened.
func (d *FsDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *FsDialer) Protocol() string { return "sftp" }

func (d *FsDialer) Dial(ctx context.Context, p *params.ConnectionParameters) (Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, connectionError(fmt.Sprintf("dial %s", p.Address()), err)
	}

	d.mu.Lock()
	h, ok := d.hosts[p.Host]
	if ok {
		d.dials++
	}
	d.mu.Unlock()

	if !ok {
		dnsErr := &net.DNSError{Err: "no such host", Name: p.Host, IsNotFound: true}
		return nil, connectionError(fmt.Sprintf("dial ssh %s", p.Address()),
			&net.OpError{Op: "dial", Net: "tcp", Err: dnsErr})
	}
	if (h.Username != "" && h.Username != p.Username) || (h.Secret != "" && h.Secret != p.Secret()) {
		return nil, connectionError(fmt.Sprintf("authenticate %s@%s", p.Username, p.Address()),
			errors.New("ssh: unable to authenticate, attempted methods [none password], no supported methods remain"))
	}

	return &FsClient{Fs: h.Fs, Home: h.Home}, nil
}

// FsClient implements Client over an afero filesystem.
type FsClient struct {
	Fs     afero.Fs
	Home   string
	closed bool
}

func (c *FsClient) List(ctx context.Context, dir string) ([]Entry, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	infos, err := afero.ReadDir(c.Fs, dir)
	if err != nil {
		return nil, transportError("list", dir, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, entryFromInfo(dir, info))
	}
	return entries, nil
}

func (c *FsClient) Stat(ctx context.Context, dir, name string) (*Entry, error) {
	if err := c.check(ctx); err != nil {
		return nil, err
	}
	full := path.Join(dir, name)
	info, err := c.Fs.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, transportError("stat", full, err)
	}
	entry := entryFromInfo(dir, info)
	entry.Name = name
	entry.FullPath = full
	return &entry, nil
}

func (c *FsClient) MkdirAll(ctx context.Context, dir string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	if err := c.Fs.MkdirAll(dir, 0o755); err != nil {
		return transportError("create directory", dir, err)
	}
	return nil
}

func (c *FsClient) Put(ctx context.Context, dir, name string, r io.Reader) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	if info, err := c.Fs.Stat(dir); err != nil || !info.IsDir() {
		return "", transportError("open remote file", path.Join(dir, name), &os.PathError{Op: "open", Path: dir, Err: os.ErrNotExist})
	}

	full := path.Join(dir, name)
	f, err := c.Fs.Create(full)
	if err != nil {
		return "", transportError("open remote file", full, err)
	}
	if _, err := copyWithContext(ctx, f, r); err != nil {
		_ = f.Close()
		_ = c.Fs.Remove(full)
		return "", transportError("write remote file", full, err)
	}
	if err := f.Close(); err != nil {
		return "", transportError("close remote file", full, err)
	}
	return full, nil
}

func (c *FsClient) Delete(ctx context.Context, dir, name string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	full := path.Join(dir, name)
	if err := c.Fs.Remove(full); err != nil {
		return transportError("delete", full, err)
	}
	return nil
}

func (c *FsClient) HomeDirectory(ctx context.Context) (string, error) {
	if err := c.check(ctx); err != nil {
		return "", err
	}
	return c.Home, nil
}

func (c *FsClient) Close() error {
	c.closed = true
	return nil
}

func (c *FsClient) check(ctx context.Context) error {
	if c.closed {
		return transportError("use", "closed connection", io.ErrClosedPipe)
	}
	if err := ctx.Err(); err != nil {
		return transportError("use", "connection", err)
	}
	return nil
}
