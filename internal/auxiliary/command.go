package auxiliary

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/template"
	"unicode"

	"github.com/cochaviz/cellar/internal/config"
)

const logsDir = "logs"

// process is a started helper process whose output goes to a log file in
// the analysis directory.
type process struct {
	cancel  context.CancelFunc
	done    chan struct{}
	logFile *os.File

	mu     sync.Mutex
	runErr error
}

func startProcess(ctx context.Context, dir, label, name string, args ...string) (*process, error) {
	if dir == "" {
		return nil, errors.New("analysis directory is not available")
	}
	logDir := filepath.Join(dir, logsDir)
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	logFile, err := os.Create(filepath.Join(logDir, label+".log"))
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		logFile.Close()
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	p := &process{cancel: cancel, done: make(chan struct{}), logFile: logFile}
	go func() {
		err := cmd.Wait()
		p.mu.Lock()
		p.runErr = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// stop terminates the process and waits for it. Exiting because of the
// termination signal is not an error.
func (p *process) stop() error {
	if p == nil {
		return nil
	}
	p.cancel()
	<-p.done
	closeErr := p.logFile.Close()

	p.mu.Lock()
	err := p.runErr
	p.mu.Unlock()
	return errors.Join(exitError(err), closeErr)
}

func exitError(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return nil
		}
	}
	return err
}

// Command runs a shell command template, rendered with the analysis
// variables, for the duration of an analysis.
type Command struct {
	template *template.Template
	name     string
	requires []string
	proc     *process
}

func NewCommand(cfg config.CommandConfig) (*Command, error) {
	text := strings.TrimSpace(cfg.Command)
	if text == "" {
		return nil, errors.New("command template is required")
	}
	tmpl, err := template.New("auxiliary").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("parse command template: %w", err)
	}
	name := sanitizeLabel(cfg.Name)
	if name == "" {
		name = labelFromCommand(text)
	}
	if name == "" {
		name = "command"
	}
	var requires []string
	for _, item := range cfg.Requires {
		if item = strings.TrimSpace(item); item != "" {
			requires = append(requires, item)
		}
	}
	return &Command{template: tmpl, name: name, requires: requires}, nil
}

func (c *Command) Name() string {
	return c.name
}

func (c *Command) Start(ctx context.Context, ac Context) error {
	values := ac.values()
	if missing := missingVariables(values, c.requires); len(missing) > 0 {
		return fmt.Errorf("missing required variables: %s", strings.Join(missing, ", "))
	}
	var rendered bytes.Buffer
	if err := c.template.Execute(&rendered, values); err != nil {
		return fmt.Errorf("render command: %w", err)
	}
	command := strings.TrimSpace(rendered.String())
	if command == "" {
		return errors.New("command rendered empty")
	}
	proc, err := startProcess(ctx, ac.AnalysisDir, c.name, "sh", "-c", command)
	if err != nil {
		return err
	}
	c.proc = proc
	return nil
}

func (c *Command) Stop() error {
	proc := c.proc
	c.proc = nil
	return proc.stop()
}

func labelFromCommand(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	return sanitizeLabel(filepath.Base(fields[0]))
}

func sanitizeLabel(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_':
			b.WriteRune(r)
		case r == '/', r == '\\', r == ' ', r == ':', r == '.':
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-_")
}
