// Package auxiliary runs host-side helpers, such as a packet sniffer, for
// the duration of an analysis.
package auxiliary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cochaviz/cellar/internal/config"
	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/models"
)

// Variable names a command template may require.
const (
	VarMachineIP        = "MachineIP"
	VarMachineInterface = "MachineInterface"
	VarResultServerIP   = "ResultServerIP"
	VarAnalysisDir      = "AnalysisDir"
)

// Context is what a module knows about the analysis it accompanies.
type Context struct {
	Task             models.Task
	Machine          models.Machine
	AnalysisDir      string
	ResultServerIP   string
	ResultServerPort int
}

func (c Context) values() map[string]string {
	return map[string]string{
		"TaskID":            fmt.Sprint(c.Task.ID),
		"Category":          string(c.Task.Category),
		"Target":            c.Task.Target,
		"MachineName":       c.Machine.Name,
		VarMachineIP:        c.Machine.IP,
		VarMachineInterface: c.Machine.Interface,
		"MachinePlatform":   c.Machine.Platform,
		VarAnalysisDir:      c.AnalysisDir,
		VarResultServerIP:   c.ResultServerIP,
		"ResultServerPort":  fmt.Sprint(c.ResultServerPort),
	}
}

// Module is one helper. Start must not block; Stop waits for the helper to
// exit.
type Module interface {
	Name() string
	Start(ctx context.Context, ac Context) error
	Stop() error
}

// Suite builds the modules for every analysis.
type Suite struct {
	factories []func() Module
	logger    *slog.Logger
}

// NewSuite returns the modules enabled in cfg. Command templates are parsed
// up front so configuration errors surface at start-up.
func NewSuite(cfg config.AuxiliaryConfig, logger *slog.Logger) (*Suite, error) {
	s := &Suite{logger: logging.Component(logger, "auxiliary")}
	if cfg.Sniffer.Enabled {
		sniffer := cfg.Sniffer
		s.factories = append(s.factories, func() Module { return NewSniffer(sniffer) })
	}
	for i, cmdCfg := range cfg.Commands {
		if _, err := NewCommand(cmdCfg); err != nil {
			return nil, fmt.Errorf("auxiliary command %d: %w", i, err)
		}
		cmdCfg := cmdCfg
		s.factories = append(s.factories, func() Module {
			cmd, _ := NewCommand(cmdCfg)
			return cmd
		})
	}
	return s, nil
}

// Len is the number of configured modules.
func (s *Suite) Len() int {
	if s == nil {
		return 0
	}
	return len(s.factories)
}

// Start launches a fresh instance of every module. Modules that fail to
// start are logged and skipped.
func (s *Suite) Start(ctx context.Context, ac Context) *Run {
	run := &Run{logger: logging.Ensure(nil)}
	if s == nil {
		return run
	}
	run.logger = s.logger.With("task_id", ac.Task.ID)
	for _, factory := range s.factories {
		module := factory()
		if err := module.Start(ctx, ac); err != nil {
			logging.Event(run.logger, slog.LevelWarn, "auxiliary module failed to start", "aux.start", "failure",
				"module", module.Name(), "error", err)
			continue
		}
		logging.Event(run.logger, slog.LevelDebug, "auxiliary module started", "aux.start", "success",
			"module", module.Name())
		run.modules = append(run.modules, module)
	}
	return run
}

// Run holds the modules started for one analysis.
type Run struct {
	modules []Module
	logger  *slog.Logger
}

// Stop stops the started modules in reverse order.
func (r *Run) Stop() error {
	if r == nil {
		return nil
	}
	var errs []error
	for i := len(r.modules) - 1; i >= 0; i-- {
		module := r.modules[i]
		if err := module.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", module.Name(), err))
			continue
		}
		logging.Event(r.logger, slog.LevelDebug, "auxiliary module stopped", "aux.stop", "success",
			"module", module.Name())
	}
	r.modules = nil
	return errors.Join(errs...)
}

func missingVariables(values map[string]string, required []string) []string {
	var missing []string
	for _, name := range required {
		if strings.TrimSpace(values[name]) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
