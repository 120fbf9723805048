// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SFTPOpener reaches a station's camera store over SSH/SFTP.
type SFTPOpener struct {
	User      string
	Password  string
	RemoteDir string
	// DeleteRemote removes each remote file once its local copy is complete,
	// freeing the station's storage.
	DeleteRemote bool
}

func (o *SFTPOpener) Open(ctx context.Context, address string, connectTimeout, rwTimeout time.Duration) (Transfer, error) {
	d := net.Dialer{Timeout: connectTimeout}
	raw, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}

	// The SSH handshake is still part of connecting.
	conn := newIdleConn(raw, connectTimeout)

	cfg := &ssh.ClientConfig{
		User:            o.User,
		Auth:            []ssh.AuthMethod{ssh.Password(o.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // stations regenerate keys on reflash
		Timeout:         connectTimeout,
	}
	sc, chans, reqs, err := ssh.NewClientConn(conn, address, cfg)
	if err != nil {
		_ = raw.Close()
		if conn.TimedOut() {
			return nil, fmt.Errorf("%w: ssh handshake: %w", ErrConnectionTimeout, err)
		}
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}
	conn.setTimeout(rwTimeout)

	client := ssh.NewClient(sc, chans, reqs)
	fs, err := sftp.NewClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("starting sftp subsystem: %w", err)
	}

	return &sftpTransfer{
		conn:         conn,
		ssh:          client,
		fs:           fs,
		remoteDir:    o.RemoteDir,
		deleteRemote: o.DeleteRemote,
	}, nil
}

type sftpTransfer struct {
	conn *idleConn
	ssh  *ssh.Client
	fs   *sftp.Client

	remoteDir    string
	deleteRemote bool
}

func (t *sftpTransfer) DownloadAll(ctx context.Context, dest string) (Report, error) {
	var r Report

	entries, err := t.fs.ReadDir(t.remoteDir)
	if err != nil {
		return r, t.mapErr(fmt.Errorf("listing %s: %w", t.remoteDir, err))
	}

	for _, e := range entries {
		if !e.Mode().IsRegular() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return r, err
		}

		remote := path.Join(t.remoteDir, e.Name())
		local := filepath.Join(dest, e.Name())

		if st, err := os.Stat(local); err == nil && st.Size() == e.Size() {
			r.Skipped++
		} else {
			n, err := t.fetch(ctx, remote, local)
			if err != nil {
				return r, t.mapErr(fmt.Errorf("fetching %s: %w", remote, err))
			}
			r.Files++
			r.Bytes += n
			r.Paths = append(r.Paths, local)
		}

		if t.deleteRemote {
			if err := t.fs.Remove(remote); err != nil {
				return r, t.mapErr(fmt.Errorf("removing %s: %w", remote, err))
			}
		}
	}

	return r, nil
}

// fetch copies one file through a .part file so an interrupted transfer never
// leaves a truncated file under the final name.
func (t *sftpTransfer) fetch(ctx context.Context, remote, local string) (int64, error) {
	src, err := t.fs.Open(remote)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	part := local + ".part"
	dst, err := os.Create(part)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(dst, ctxReader{ctx: ctx, r: src})
	if err == nil {
		err = dst.Sync()
	}
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(part)
		return n, err
	}
	return n, os.Rename(part, local)
}

func (t *sftpTransfer) mapErr(err error) error {
	if t.conn.TimedOut() && !errors.Is(err, ErrTransferTimeout) {
		return fmt.Errorf("%w: %w", ErrTransferTimeout, err)
	}
	return err
}

func (t *sftpTransfer) Close() error {
	return errors.Join(t.fs.Close(), t.ssh.Close())
}
