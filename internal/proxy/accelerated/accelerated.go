// Package accelerated drives an external UDP-accelerated transfer client
// (ascp-style command line) to push archive files to a remote host.
package accelerated

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"transferd/internal/credentials"
	xerrors "transferd/internal/errors"
	"transferd/internal/progress"
	"transferd/internal/proxy"
	"transferd/internal/task"
)

// Config describes the transfer client and the remote host
type Config struct {
	Binary      string        `yaml:"binary"`
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Args        []string      `yaml:"args"`
	StagingDir  string        `yaml:"staging_dir"`
	PasswordEnv string        `yaml:"password_env"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Proxy is the accelerated transfer backend
type Proxy struct {
	config    Config
	threshold int64
	tracker   *progress.Tracker
	logger    *zap.Logger
}

type token struct {
	binary   string
	user     string
	password string
}

func (token) Protocol() task.Protocol { return task.ProtocolAcceleratedUDP }

// New creates an accelerated transfer backend
func New(cfg Config, threshold int64, tracker *progress.Tracker, logger *zap.Logger) *Proxy {
	if cfg.Binary == "" {
		cfg.Binary = "ascp"
	}
	if cfg.Port == 0 {
		cfg.Port = 33001
	}
	if cfg.PasswordEnv == "" {
		cfg.PasswordEnv = "ASPERA_SCP_PASS"
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	return &Proxy{
		config:    cfg,
		threshold: threshold,
		tracker:   tracker,
		logger:    logger.With(zap.String("protocol", string(task.ProtocolAcceleratedUDP))),
	}
}

// Authenticate checks that the client binary is installed and the account
// names a user. The password is checked by the remote host at transfer time.
func (p *Proxy) Authenticate(_ context.Context, creds credentials.Credentials) (proxy.Token, error) {
	binary, err := exec.LookPath(p.config.Binary)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnsupported, err, "transfer client not installed").WithSystem(xerrors.SystemAccelerated)
	}

	user := creds.Username
	if user == "" {
		user = p.config.User
	}
	if user == "" {
		return nil, xerrors.Authentication(xerrors.SystemAccelerated,
			fmt.Errorf("account %q has no user name", creds.AccountRef))
	}

	password := creds.Token
	if password == "" {
		password = creds.SecretKey
	}
	return token{binary: binary, user: user, password: password}, nil
}

// GetPathAttributes is not offered by the accelerated client
func (p *Proxy) GetPathAttributes(context.Context, proxy.Token, task.Location, bool) (proxy.PathAttributes, error) {
	return proxy.PathAttributes{}, xerrors.Unsupported(xerrors.SystemAccelerated, "GetPathAttributes")
}

// GenerateDownloadStream is not offered by the accelerated client
func (p *Proxy) GenerateDownloadStream(context.Context, proxy.Token, task.Location) (io.ReadCloser, error) {
	return nil, xerrors.Unsupported(xerrors.SystemAccelerated, "GenerateDownloadStream")
}

// ScanDirectory is not offered by the accelerated client
func (p *Proxy) ScanDirectory(context.Context, proxy.Token, task.Location) ([]proxy.ScanItem, error) {
	return nil, xerrors.Unsupported(xerrors.SystemAccelerated, "ScanDirectory")
}

// DownloadToDestination stages the archive file under the destination's file
// name and runs the client against it. Only archive-to-remote transfers are
// supported.
func (p *Proxy) DownloadToDestination(_ context.Context, tok proxy.Token, req proxy.Request, baseArchive string, listener progress.Listener, encrypted bool) (proxy.Handle, error) {
	t, err := proxy.TokenAs[token](tok, xerrors.SystemAccelerated)
	if err != nil {
		return nil, err
	}
	if req.Direction != proxy.ToBackend {
		return nil, xerrors.Unsupported(xerrors.SystemAccelerated, "upload to archive")
	}

	src, err := proxy.ArchivePath(baseArchive, req.Source)
	if err != nil {
		return nil, xerrors.Validation("%v", err)
	}
	info, err := os.Stat(src)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "archive file").WithSystem(xerrors.SystemAccelerated)
	}

	staged, removeStaging, err := p.stage(req.TaskID, src, path.Base(req.Destination.Path))
	if err != nil {
		return nil, xerrors.Transient(xerrors.SystemAccelerated, err, "staging failed")
	}

	args := append([]string{}, p.config.Args...)
	args = append(args, "-P", strconv.Itoa(p.config.Port))
	if encrypted {
		args = append(args, "--file-crypt=encrypt")
	}
	remoteDir := path.Dir(path.Join("/", req.Destination.ContainerID, req.Destination.Path))
	args = append(args, staged, fmt.Sprintf("%s@%s:%s", t.user, p.config.Host, remoteDir))

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if p.config.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), p.config.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	cmd := exec.CommandContext(ctx, t.binary, args...)
	cmd.Env = append(os.Environ(), p.config.PasswordEnv+"="+t.password)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		removeStaging()
		return nil, xerrors.Wrap(xerrors.CodeInternal, err, "stdout pipe").WithSystem(xerrors.SystemAccelerated)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger := p.logger.With(zap.String("task_id", req.TaskID))
	if err := cmd.Start(); err != nil {
		cancel()
		removeStaging()
		return nil, xerrors.Transient(xerrors.SystemAccelerated, err, "failed to start transfer client")
	}
	logger.Info("Transfer client started", zap.Int("pid", cmd.Process.Pid), zap.String("remote", p.config.Host))

	reporter := progress.NewReporter(listener,
		progress.WithThreshold(p.threshold),
		progress.WithTracker(p.tracker),
		progress.WithLogger(logger))
	reporter.Update(info.Size())

	go func() {
		defer cancel()
		defer removeStaging()

		scanner := bufio.NewScanner(stdout)
		scanner.Split(scanProgressLines)
		for scanner.Scan() {
			if n, ok := ParseProgress(scanner.Text(), info.Size()); ok {
				reporter.Set(n)
			}
		}

		if err := cmd.Wait(); err != nil {
			msg := lastLine(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			logger.Warn("Transfer client failed", zap.String("stderr", msg), zap.Error(err))
			reporter.Fail(xerrors.Transient(xerrors.SystemAccelerated, err, msg))
			return
		}
		reporter.Set(info.Size())
		reporter.Complete()
	}()

	// cleanup kills a client that is still running
	return proxy.NewCleanupHandle(req.TaskID, func() error {
		cancel()
		return removeStaging()
	}), nil
}

// stage links src into a private directory under name
func (p *Proxy) stage(taskID, src, name string) (string, func() error, error) {
	if err := os.MkdirAll(p.config.StagingDir, 0o755); err != nil {
		return "", nil, err
	}
	dir, err := os.MkdirTemp(p.config.StagingDir, "transfer-"+taskID+"-")
	if err != nil {
		return "", nil, err
	}
	remove := func() error {
		err := os.RemoveAll(dir)
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	staged := filepath.Join(dir, name)
	if err := os.Symlink(src, staged); err != nil {
		remove()
		return "", nil, err
	}
	return staged, remove, nil
}

var progressPattern = regexp.MustCompile(`(\d{1,3})%\s+(\d+(?:\.\d+)?)\s*([KMGT]?B)\b`)

// ParseProgress extracts the bytes transferred from one client status line,
// e.g. "file.bin   45%  450MB  100Mb/s  00:05 ETA". It falls back to the
// percentage when the byte column is missing.
func ParseProgress(line string, total int64) (int64, bool) {
	if m := progressPattern.FindStringSubmatch(line); m != nil {
		value, err := strconv.ParseFloat(m[2], 64)
		if err == nil {
			n := int64(value * float64(unit(m[3])))
			if total > 0 && n > total {
				n = total
			}
			return n, true
		}
	}

	idx := strings.Index(line, "%")
	if idx <= 0 || total <= 0 {
		return 0, false
	}
	start := idx
	for start > 0 && line[start-1] >= '0' && line[start-1] <= '9' {
		start--
	}
	pct, err := strconv.Atoi(line[start:idx])
	if err != nil || pct > 100 {
		return 0, false
	}
	return total * int64(pct) / 100, true
}

func unit(s string) int64 {
	switch s {
	case "KB":
		return 1 << 10
	case "MB":
		return 1 << 20
	case "GB":
		return 1 << 30
	case "TB":
		return 1 << 40
	}
	return 1
}

// scanProgressLines splits on both carriage returns and newlines since the
// client redraws its status line in place.
func scanProgressLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
