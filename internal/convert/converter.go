// Package convert turns source e-books into the reader's format with an
// external tool, once per file.
package convert

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/renderinc/libris/internal/pathsafe"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported source format")
	ErrSourceNotFound    = errors.New("source file not found")
	ErrTimeout           = errors.New("conversion timed out")
	ErrConverterFailed   = errors.New("converter exited with an error")
	ErrNoOutput          = errors.New("converter produced no output")
)

// DefaultTimeout bounds one converter run
const DefaultTimeout = 5 * time.Minute

// Error carries the source path and tool output of a failed run
type Error struct {
	Source string
	Err    error
	Output string // Tail of the tool's combined output
}

func (e *Error) Error() string {
	return fmt.Sprintf("convert %s: %v", e.Source, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Runner runs the converter from src to dst and returns its combined output
type Runner interface {
	Run(ctx context.Context, src, dst string) ([]byte, error)
}

// Command runs an executable as `<Path> <src> <dst>`, the calling
// convention of Calibre's ebook-convert
type Command struct {
	Path string
}

// waitDelay bounds how long Run waits for output pipes after the tool is
// killed. Children that inherited them would otherwise hold Run open.
const waitDelay = 2 * time.Second

// Run implements Runner. On cancellation the tool's whole process group is
// killed.
func (c Command) Run(ctx context.Context, src, dst string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.Path, src, dst)
	killGroup(cmd)
	cmd.WaitDelay = waitDelay
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Options configures a Service
type Options struct {
	SourceExt string        // e.g. ".mobi"
	TargetExt string        // e.g. ".epub"
	Timeout   time.Duration // 0 means DefaultTimeout
}

// Result describes a converted (or already present) target
type Result struct {
	TargetPath   string `json:"target_path"`
	RelativePath string `json:"relative_path"` // Servable under /epub/
	Converted    bool   `json:"converted"`     // False on the fast path
}

// Service converts books inside the library root
type Service struct {
	runner Runner
	paths  *pathsafe.Sanitizer
	opts   Options
	group  singleflight.Group
	logger *zap.Logger
}

// NewService creates a conversion service
func NewService(runner Runner, paths *pathsafe.Sanitizer, opts Options, logger *zap.Logger) *Service {
	if opts.SourceExt == "" {
		opts.SourceExt = ".mobi"
	}
	if opts.TargetExt == "" {
		opts.TargetExt = ".epub"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{runner: runner, paths: paths, opts: opts, logger: logger}
}

// Convert returns the target for bookPath, running the converter only when
// the target does not exist yet. Concurrent calls for one file share a
// single run. The run is detached from ctx so a client that hangs up does
// not leave a half-converted file behind; it is bounded by the timeout.
func (s *Service) Convert(ctx context.Context, bookPath string) (*Result, error) {
	// 1. Only the configured source format
	if !strings.EqualFold(filepath.Ext(bookPath), s.opts.SourceExt) {
		return nil, fmt.Errorf("%w: want %s", ErrUnsupportedFormat, s.opts.SourceExt)
	}

	// 2. Confine to the library root
	src, err := s.resolve(bookPath)
	if err != nil {
		return nil, err
	}

	// 3. Source must be a regular file
	info, err := os.Stat(src)
	if err != nil || !info.Mode().IsRegular() {
		return nil, ErrSourceNotFound
	}

	target := strings.TrimSuffix(src, filepath.Ext(src)) + s.opts.TargetExt
	rel, err := s.paths.Contain(target)
	if err != nil {
		return nil, err
	}

	// 4. Fast path
	if fileExists(target) {
		s.logger.Debug("target already converted", zap.String("target", target))
		return &Result{TargetPath: target, RelativePath: rel}, nil
	}

	// 5. One run per target
	ch := s.group.DoChan(target, func() (interface{}, error) {
		if fileExists(target) {
			return false, nil
		}
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.Timeout)
		defer cancel()
		return true, s.run(runCtx, src, target)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return &Result{TargetPath: target, RelativePath: rel, Converted: res.Val.(bool)}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve accepts an absolute filesystem path or a root-relative one
func (s *Service) resolve(bookPath string) (string, error) {
	if filepath.IsAbs(bookPath) {
		rel, err := s.paths.Contain(bookPath)
		if err != nil {
			return "", err
		}
		return filepath.Join(s.paths.Root(), filepath.FromSlash(rel)), nil
	}
	return s.paths.Resolve(bookPath)
}

// run converts into a temporary sibling and renames it into place
func (s *Service) run(ctx context.Context, src, target string) error {
	dir := filepath.Dir(target)
	tmp, err := os.CreateTemp(dir, ".converting-*"+s.opts.TargetExt)
	if err != nil {
		return &Error{Source: src, Err: fmt.Errorf("%w: %v", ErrConverterFailed, err)}
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	// The tool decides whether to overwrite; start from nothing
	if err := os.Remove(tmpPath); err != nil {
		return &Error{Source: src, Err: fmt.Errorf("%w: %v", ErrConverterFailed, err)}
	}

	s.logger.Info("converting", zap.String("source", src), zap.String("target", target))
	start := time.Now()

	out, err := s.runner.Run(ctx, src, tmpPath)
	if ctx.Err() == context.DeadlineExceeded {
		s.logger.Warn("conversion timed out", zap.String("source", src), zap.Duration("timeout", s.opts.Timeout))
		return &Error{Source: src, Err: ErrTimeout, Output: tail(out)}
	}
	if err != nil {
		s.logger.Warn("conversion failed", zap.String("source", src), zap.Error(err))
		return &Error{Source: src, Err: fmt.Errorf("%w: %v", ErrConverterFailed, err), Output: tail(out)}
	}

	info, err := os.Stat(tmpPath)
	if err != nil || info.Size() == 0 {
		return &Error{Source: src, Err: ErrNoOutput, Output: tail(out)}
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return &Error{Source: src, Err: fmt.Errorf("%w: %v", ErrConverterFailed, err)}
	}

	s.logger.Info("converted", zap.String("target", target), zap.Duration("duration", time.Since(start)))
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// tail keeps the last lines of tool output for error details
func tail(out []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(out))
	if len(s) > limit {
		s = s[len(s)-limit:]
	}
	return s
}
