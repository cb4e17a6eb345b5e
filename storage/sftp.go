package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"healthwatch/diagnosis"
)

// SFTPOptions says where and how reports are shipped off the host.
type SFTPOptions struct {
	Addr           string // host:port
	User           string
	Password       string
	KeyPath        string
	KnownHostsPath string // empty disables host key checking
	RemoteDir      string
	Timeout        time.Duration
	OnlyFindings   bool
}

// SFTPSink uploads each report as <remote_dir>/<cycle_id>.json.
type SFTPSink struct {
	opts SFTPOptions
	log  *zap.Logger
	// connect opens a client and returns a func that tears it down.
	connect func(ctx context.Context) (*sftp.Client, func() error, error)
}

// NewSFTPSink checks the credentials up front. Connections are opened per
// upload, so a remote that is down only costs that upload.
func NewSFTPSink(opts SFTPOptions, log *zap.Logger) (*SFTPSink, error) {
	conf, err := clientConfig(opts, log)
	if err != nil {
		return nil, err
	}
	s := &SFTPSink{opts: opts, log: log}
	s.connect = func(ctx context.Context) (*sftp.Client, func() error, error) {
		return dialSFTP(ctx, opts.Addr, conf)
	}
	return s, nil
}

func clientConfig(opts SFTPOptions, log *zap.Logger) (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if opts.KeyPath != "" {
		keyByte, err := os.ReadFile(opts.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("read ssh key: %w", err)
		}
		key, err := ssh.ParsePrivateKey(keyByte)
		if err != nil {
			return nil, fmt.Errorf("parse ssh key %s: %w", opts.KeyPath, err)
		}
		auth = append(auth, ssh.PublicKeys(key))
	}
	if opts.Password != "" {
		auth = append(auth, ssh.Password(opts.Password))
	}
	if len(auth) == 0 {
		return nil, errors.New("sftp: need a password or a key")
	}

	hostKey := ssh.InsecureIgnoreHostKey()
	if opts.KnownHostsPath != "" {
		cb, err := knownhosts.New(opts.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known hosts: %w", err)
		}
		hostKey = cb
	} else {
		log.Warn("sftp host key is not verified; set sftp.known_hosts_path", zap.String("addr", opts.Addr))
	}

	return &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         opts.Timeout,
	}, nil
}

func dialSFTP(ctx context.Context, addr string, conf *ssh.ClientConfig) (*sftp.Client, func() error, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		_ = sshClient.Close()
		return nil, nil, fmt.Errorf("open sftp session: %w", err)
	}
	return sftpClient, func() error {
		return multierr.Combine(sftpClient.Close(), sshClient.Close())
	}, nil
}

// Save uploads r. Clean reports are skipped when OnlyFindings is set.
func (s *SFTPSink) Save(ctx context.Context, r *diagnosis.Report) error {
	if s.opts.OnlyFindings && len(r.Findings) == 0 {
		return nil
	}
	body, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report %s: %w", r.CycleID, err)
	}

	client, closeFn, err := s.connect(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeFn(); err != nil {
			s.log.Debug("sftp close", zap.Error(err))
		}
	}()

	if err := client.MkdirAll(s.opts.RemoteDir); err != nil {
		return fmt.Errorf("mkdir %s: %w", s.opts.RemoteDir, err)
	}
	final := path.Join(s.opts.RemoteDir, r.CycleID+".json")
	tmp := final + ".part"

	dstFile, err := client.Create(tmp)
	if err != nil {
		return fmt.Errorf("create %s: %w", tmp, err)
	}
	if _, err := dstFile.Write(body); err != nil {
		_ = dstFile.Close()
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := dstFile.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := client.Rename(tmp, final); err != nil {
		return fmt.Errorf("rename %s: %w", tmp, err)
	}
	s.log.Debug("report uploaded", zap.String("cycle_id", r.CycleID), zap.String("path", final))
	return nil
}
