package ssh

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"

	"github.com/tengil/tengil/pkg/backends"
)

var _ backends.FileSystem = (*Client)(nil)

// sftpClient starts the SFTP subsystem on first use.
func (c *Client) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, &TransportError{Op: "sftp", Err: fmt.Errorf("connection to %s is closed", c.config.Host)}
	}
	if c.sftp != nil {
		return c.sftp, nil
	}
	sc, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	c.sftp = sc
	return sc, nil
}

// ReadFile returns the content of a host file, or nil when it is missing.
func (c *Client) ReadFile(name string) ([]byte, error) {
	sc, err := c.sftpClient()
	if err != nil {
		return nil, err
	}

	f, err := sc.Open(name)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s on %s: %w", name, c.config.Host, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s on %s: %w", name, c.config.Host, err)
	}
	return data, nil
}

// WriteFile replaces a host file through a temp file and a posix rename.
// An existing file keeps its mode.
func (c *Client) WriteFile(name string, data []byte, perm os.FileMode) error {
	sc, err := c.sftpClient()
	if err != nil {
		return err
	}

	dir := path.Dir(name)
	if err := sc.MkdirAll(dir); err != nil {
		return fmt.Errorf("failed to create %s on %s: %w", dir, c.config.Host, err)
	}
	if info, err := sc.Stat(name); err == nil {
		perm = info.Mode().Perm()
	}

	tmp := path.Join(dir, fmt.Sprintf(".%s.%d", path.Base(name), time.Now().UnixNano()))
	f, err := sc.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return fmt.Errorf("failed to create %s on %s: %w", tmp, c.config.Host, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = sc.Remove(tmp)
		return fmt.Errorf("failed to write %s on %s: %w", tmp, c.config.Host, err)
	}
	if err := f.Close(); err != nil {
		_ = sc.Remove(tmp)
		return fmt.Errorf("failed to close %s on %s: %w", tmp, c.config.Host, err)
	}
	if err := sc.Chmod(tmp, perm); err != nil {
		_ = sc.Remove(tmp)
		return fmt.Errorf("failed to chmod %s on %s: %w", tmp, c.config.Host, err)
	}
	if err := sc.PosixRename(tmp, name); err != nil {
		_ = sc.Remove(tmp)
		return fmt.Errorf("failed to replace %s on %s: %w", name, c.config.Host, err)
	}
	return nil
}

// Exists reports whether a host path exists.
func (c *Client) Exists(name string) (bool, error) {
	sc, err := c.sftpClient()
	if err != nil {
		return false, err
	}
	_, err = sc.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat %s on %s: %w", name, c.config.Host, err)
	}
	return true, nil
}
