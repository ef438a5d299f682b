package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
)

// ReadFile returns the contents of a remote file. A missing file yields an
// error satisfying errors.Is(err, os.ErrNotExist).
func (c *Client) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client, err := c.SFTP()
	if err != nil {
		return nil, err
	}

	f, err := client.Open(remotePath)
	if err != nil {
		if isNotExist(err) {
			return nil, fmt.Errorf("remote file %s: %w", remotePath, os.ErrNotExist)
		}
		return nil, &TransportError{Op: "read", Err: err, IsTemporary: true}
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, &TransportError{Op: "read", Err: err, IsTemporary: true}
	}
	return data, nil
}

// WriteFile atomically replaces a remote file: the data is written to a
// sibling temporary file which is then renamed over remotePath.
func (c *Client) WriteFile(ctx context.Context, remotePath string, data []byte, mode os.FileMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	client, err := c.SFTP()
	if err != nil {
		return err
	}

	if err := client.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "mkdir", Err: err}
	}

	tmp := remotePath + ".tmp"
	f, err := client.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "write", Err: err, IsTemporary: true}
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = client.Remove(tmp)
		return &TransportError{Op: "write", Err: err, IsTemporary: true}
	}
	if err := f.Chmod(mode); err != nil {
		c.logger.Debug().Err(err).Str("path", tmp).Msg("Failed to set remote file mode")
	}
	if err := f.Close(); err != nil {
		_ = client.Remove(tmp)
		return &TransportError{Op: "write", Err: err, IsTemporary: true}
	}

	if err := client.PosixRename(tmp, remotePath); err != nil {
		// Servers without the posix-rename extension refuse to replace.
		_ = client.Remove(remotePath)
		if err := client.Rename(tmp, remotePath); err != nil {
			return &TransportError{Op: "rename", Err: err, IsTemporary: true}
		}
	}
	return nil
}

// isNotExist relies on the sftp client mapping SSH_FX_NO_SUCH_FILE to os.ErrNotExist.
func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
