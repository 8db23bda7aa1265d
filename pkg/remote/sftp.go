package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"sftpflow/pkg/logger"
	"sftpflow/pkg/params"
	"sftpflow/pkg/utils"
)

// sftpAPI is the subset of *sftp.Client the SFTP client relies on.
type sftpAPI interface {
	ReadDir(p string) ([]os.FileInfo, error)
	Stat(p string) (os.FileInfo, error)
	MkdirAll(p string) error
	Create(p string) (io.WriteCloser, error)
	Rename(oldname, newname string) error
	Remove(p string) error
	Getwd() (string, error)
	Close() error
}

type sftpClientAdapter struct {
	*sftp.Client
}

func (a sftpClientAdapter) Create(p string) (io.WriteCloser, error) {
	return a.Client.Create(p)
}

type SFTPDialer struct {
	// DotRename uploads to ".<name>" and renames once the stream completes,
	// so readers polling the directory never see a partial file.
	DotRename bool
	Logger    *logger.Logger
}

func NewSFTPDialer(dotRename bool, log *logger.Logger) *SFTPDialer {
	if log == nil {
		log = logger.NewDefault()
	}
	return &SFTPDialer{DotRename: dotRename, Logger: log}
}

func (d *SFTPDialer) Protocol() string { return "sftp" }

func (d *SFTPDialer) Dial(ctx context.Context, p *params.ConnectionParameters) (Client, error) {
	sshConfig, err := createSSHConfig(p)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	conn, err := utils.SSHDialContext(dialCtx, "tcp", p.Address(), sshConfig)
	if err != nil {
		return nil, connectionError(fmt.Sprintf("dial ssh %s", p.Address()), err)
	}

	sftpConn, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, connectionError("initialize sftp subsystem", err)
	}

	d.Logger.Debug("sftp connection established", map[string]any{
		"host": p.Host,
		"port": p.Port,
		"user": p.Username,
	})

	return &sftpClient{
		api:       sftpClientAdapter{sftpConn},
		ssh:       conn,
		dotRename: d.DotRename,
	}, nil
}

func createSSHConfig(p *params.ConnectionParameters) (*ssh.ClientConfig, error) {
	sshConfig := &ssh.ClientConfig{
		User:    p.Username,
		Timeout: p.Timeout,
	}

	if p.HostKeyCheck {
		if p.KnownHostsFile == "" {
			return nil, connectionError("strict host key checking requires a known hosts file", nil)
		}
		callback, err := knownhosts.New(p.KnownHostsFile)
		if err != nil {
			return nil, connectionError("load known hosts", err)
		}
		sshConfig.HostKeyCallback = callback
	} else {
		sshConfig.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	if p.PrivateKey != "" {
		key, err := ssh.ParsePrivateKey([]byte(p.PrivateKey))
		if err != nil {
			return nil, connectionError("parse private key", err)
		}
		sshConfig.Auth = []ssh.AuthMethod{ssh.PublicKeys(key)}
	} else if p.Password != "" {
		sshConfig.Auth = []ssh.AuthMethod{ssh.Password(p.Password)}
	} else {
		return nil, connectionError("either password or private key must be provided", nil)
	}

	return sshConfig, nil
}

type sftpClient struct {
	api       sftpAPI
	ssh       io.Closer
	dotRename bool
}

func (c *sftpClient) List(ctx context.Context, dir string) ([]Entry, error) {
	infos, err := c.api.ReadDir(dir)
	if err != nil {
		return nil, transportError("list", dir, err)
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, entryFromInfo(dir, info))
	}
	return entries, nil
}

func (c *sftpClient) Stat(ctx context.Context, dir, name string) (*Entry, error) {
	full := path.Join(dir, name)
	info, err := c.api.Stat(full)
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

func (c *sftpClient) MkdirAll(ctx context.Context, dir string) error {
	if err := c.api.MkdirAll(dir); err != nil {
		return transportError("create directory", dir, err)
	}
	return nil
}

func (c *sftpClient) Put(ctx context.Context, dir, name string, r io.Reader) (string, error) {
	finalPath := path.Join(dir, name)
	target := finalPath
	if c.dotRename {
		target = path.Join(dir, "."+name)
	}

	remoteFile, err := c.api.Create(target)
	if err != nil {
		return "", transportError("open remote file", target, err)
	}

	if _, err := copyWithContext(ctx, remoteFile, r); err != nil {
		_ = remoteFile.Close()
		c.discard(target)
		return "", transportError("write remote file", target, err)
	}
	if err := remoteFile.Close(); err != nil {
		c.discard(target)
		return "", transportError("close remote file", target, err)
	}

	if target != finalPath {
		if err := c.api.Rename(target, finalPath); err != nil {
			c.discard(target)
			return "", transportError("rename remote file", target, err)
		}
	}
	return finalPath, nil
}

// discard removes a partially written upload.
func (c *sftpClient) discard(p string) {
	if err := c.api.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove partial upload", map[string]any{"path": p, "error": err.Error()})
	}
}

func (c *sftpClient) Delete(ctx context.Context, dir, name string) error {
	full := path.Join(dir, name)
	if err := c.api.Remove(full); err != nil {
		return transportError("delete", full, err)
	}
	return nil
}

func (c *sftpClient) HomeDirectory(ctx context.Context) (string, error) {
	wd, err := c.api.Getwd()
	if err != nil {
		return "", transportError("resolve", "home directory", err)
	}
	return wd, nil
}

func (c *sftpClient) Close() error {
	err := c.api.Close()
	if c.ssh != nil {
		if sshErr := c.ssh.Close(); err == nil {
			err = sshErr
		}
	}
	return err
}
