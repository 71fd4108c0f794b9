// Package converter turns legacy .xls reports into .xlsx workbooks by driving an
// external office engine. The engine is a single-instance resource, so callers
// go through a Gate that admits one conversion at a time.
package converter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultCommand converts with a headless LibreOffice
const DefaultCommand = "soffice --headless --convert-to xlsx --outdir ${{ output_dir }} ${{ input_path }}"

var (
	// ErrUnavailable means the conversion engine cannot be started at all
	ErrUnavailable = errors.New("conversion engine unavailable")
	// ErrConversion means the engine ran but produced no usable workbook
	ErrConversion = errors.New("conversion failed")
)

// Converter transforms a legacy workbook into the modern format, writing the result
// inside workDir and returning its path.
type Converter interface {
	Convert(ctx context.Context, legacyPath, workDir string) (string, error)
}

// commandRunner abstracts process execution for testing
type commandRunner interface {
	LookPath(file string) (string, error)
	Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (exitCode int, err error)
}

type osRunner struct{}

func (osRunner) LookPath(file string) (string, error) {
	return exec.LookPath(file)
}

func (osRunner) Run(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	err := cmd.Run()

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
	}
	return exitCode, err
}

// CommandConverter runs an external command template such as DefaultCommand
type CommandConverter struct {
	template string
	timeout  time.Duration
	runner   commandRunner
}

// NewCommandConverter creates a converter for the given command template
func NewCommandConverter(template string, timeout time.Duration) *CommandConverter {
	if strings.TrimSpace(template) == "" {
		template = DefaultCommand
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CommandConverter{template: template, timeout: timeout, runner: osRunner{}}
}

// Available reports whether the command's binary can be found
func (c *CommandConverter) Available() error {
	args := BuildArgs(c.template, Variables{})
	if len(args) == 0 {
		return fmt.Errorf("%w: empty command", ErrUnavailable)
	}
	if _, err := c.runner.LookPath(args[0]); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, args[0], err)
	}
	return nil
}

// Convert runs the command and expects <workDir>/<file_base>.xlsx afterwards
func (c *CommandConverter) Convert(ctx context.Context, legacyPath, workDir string) (string, error) {
	if err := c.Available(); err != nil {
		return "", err
	}

	vars := GetVariables(legacyPath, workDir)
	args := BuildArgs(c.template, vars)
	outputPath := filepath.Join(workDir, vars.FileBase+".xlsx")

	stepCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	start := time.Now()
	exitCode, err := c.runner.Run(stepCtx, args[0], args[1:], &stdout, &stderr)
	duration := time.Since(start)

	if err != nil {
		if stepCtx.Err() != nil {
			return "", fmt.Errorf("%w: %s timed out or was cancelled after %v", ErrConversion, args[0], duration)
		}
		return "", fmt.Errorf("%w: %s exited with code %d: %s", ErrConversion, args[0], exitCode, tail(stderr.String()))
	}

	if _, err := os.Stat(outputPath); err != nil {
		return "", fmt.Errorf("%w: expected output %s missing (stdout: %s)", ErrConversion, outputPath, tail(stdout.String()))
	}

	log.Printf("[Converter] %s -> %s (%v)", filepath.Base(legacyPath), filepath.Base(outputPath), duration)
	return outputPath, nil
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	const max = 512
	if len(s) > max {
		return "..." + s[len(s)-max:]
	}
	return s
}

// zipSignature starts every OOXML package
var zipSignature = []byte("PK\x03\x04")

// Sniffing copies inputs that are already OOXML packages (a common vendor quirk:
// .xlsx content behind an .xls name) and delegates real legacy files to Engine.
type Sniffing struct {
	Engine Converter
}

// Convert implements Converter
func (s *Sniffing) Convert(ctx context.Context, legacyPath, workDir string) (string, error) {
	modern, err := isOOXML(legacyPath)
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", ErrConversion, legacyPath, err)
	}
	if !modern {
		if s.Engine == nil {
			return "", fmt.Errorf("%w: no engine configured for legacy file %s", ErrUnavailable, filepath.Base(legacyPath))
		}
		return s.Engine.Convert(ctx, legacyPath, workDir)
	}

	base := strings.TrimSuffix(filepath.Base(legacyPath), filepath.Ext(legacyPath))
	dst := filepath.Join(workDir, base+".xlsx")
	if err := copyFile(legacyPath, dst); err != nil {
		return "", fmt.Errorf("%w: copy %s: %v", ErrConversion, legacyPath, err)
	}
	log.Printf("[Converter] %s is already a modern workbook, copied without engine", filepath.Base(legacyPath))
	return dst, nil
}

func isOOXML(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, len(zipSignature))
	if _, err := io.ReadFull(f, head); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head, zipSignature), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// Gate serializes access to a single-instance converter. The token is acquired with
// the caller's context and released on every exit path.
type Gate struct {
	inner Converter
	sem   *semaphore.Weighted
}

// NewGate wraps inner so that at most one Convert runs at a time
func NewGate(inner Converter) *Gate {
	return &Gate{inner: inner, sem: semaphore.NewWeighted(1)}
}

// Convert implements Converter
func (g *Gate) Convert(ctx context.Context, legacyPath, workDir string) (string, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer g.sem.Release(1)
	return g.inner.Convert(ctx, legacyPath, workDir)
}
