// Package artifact delivers tool-produced files (capture files mainly) to
// the configured SFTP drop host. The controller only ever receives the
// remote path and checksum; bulk data never rides the result channel.
package artifact

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	xssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/probeops/warden/internal/config"
	"github.com/probeops/warden/pkg/api"
)

// Uploader pushes files to the artifact drop. A zero-config uploader is
// disabled and Push must not be called on it.
type Uploader struct {
	cfg config.ArtifactConfig
}

func NewUploader(cfg config.ArtifactConfig) *Uploader {
	return &Uploader{cfg: cfg}
}

// Enabled reports whether a drop host is configured.
func (u *Uploader) Enabled() bool { return u.cfg.Host != "" }

// Push uploads the local file under <remote_dir>/<taskID>/<basename>,
// verifies the remote copy by size, and removes the local file on success.
func (u *Uploader) Push(ctx context.Context, localPath, taskID string) (*api.ArtifactRef, error) {
	sum, size, err := checksum(localPath)
	if err != nil {
		return nil, fmt.Errorf("checksum local: %w", err)
	}

	cli, err := u.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial drop host: %w", err)
	}
	defer cli.Close()

	sf, err := sftp.NewClient(cli)
	if err != nil {
		return nil, fmt.Errorf("sftp client: %w", err)
	}
	defer sf.Close()

	remotePath := path.Join(u.cfg.RemoteDir, taskID, filepath.Base(localPath))
	if err := sf.MkdirAll(path.Dir(remotePath)); err != nil {
		return nil, fmt.Errorf("mkdir remote: %w", err)
	}
	src, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open local: %w", err)
	}
	defer src.Close()
	dst, err := sf.Create(remotePath)
	if err != nil {
		return nil, fmt.Errorf("create remote: %w", err)
	}
	written, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = sf.Remove(remotePath)
		return nil, fmt.Errorf("copy: %w", err)
	}
	if written != size {
		_ = sf.Remove(remotePath)
		return nil, fmt.Errorf("short upload: wrote %d of %d bytes", written, size)
	}

	if err := os.Remove(localPath); err != nil {
		log.Warn().Err(err).Str("path", localPath).Msg("could not remove local artifact")
	}
	log.Info().Str("task", taskID).Str("remote", remotePath).Int64("bytes", size).Msg("artifact delivered")
	return &api.ArtifactRef{RemotePath: remotePath, SHA256: sum, SizeBytes: size}, nil
}

// dial opens the SSH connection, honoring context cancellation during the
// handshake.
func (u *Uploader) dial(ctx context.Context) (*xssh.Client, error) {
	signer, err := loadSigner(u.cfg.KeyPath)
	if err != nil {
		return nil, err
	}
	hostKeys, err := knownHostsCallback(u.cfg.KnownHosts)
	if err != nil {
		return nil, err
	}
	cfg := &xssh.ClientConfig{
		User:            u.cfg.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(signer)},
		HostKeyCallback: hostKeys,
		Timeout:         15 * time.Second,
	}
	addr := fmt.Sprintf("%s:%d", u.cfg.Host, u.cfg.Port)

	type res struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan res, 1)
	go func() {
		cli, err := xssh.Dial("tcp", addr, cfg)
		ch <- res{cli: cli, err: err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// loadSigner reads an OpenSSH/PEM private key file.
func loadSigner(keyPath string) (xssh.Signer, error) {
	data, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := xssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// knownHostsCallback returns a strict host key callback for the given
// file. The file must exist; artifact delivery refuses unknown hosts.
func knownHostsCallback(path string) (xssh.HostKeyCallback, error) {
	if path == "" {
		return nil, fmt.Errorf("artifact: known_hosts path is required")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

func checksum(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
