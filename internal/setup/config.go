package setup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"github.com/cochaviz/cellar/internal/config"
	"github.com/cochaviz/cellar/internal/store"
)

var ConfigPath = "/etc/cellar/cellar.yaml"

var lookPath = exec.LookPath

// Init creates the storage layout, writes cfg to configPath unless a file
// already exists there and migrates the task database.
func Init(ctx context.Context, configPath string, cfg config.Config) error {
	for _, dir := range []string{cfg.Storage.Root, cfg.Storage.AnalysesDir(), cfg.Storage.BinariesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	if _, err := os.Stat(configPath); errors.Is(err, os.ErrNotExist) {
		getLogger().Info("writing default configuration", "path", configPath)
		if err := config.Write(configPath, cfg); err != nil {
			return err
		}
	} else if err != nil {
		return fmt.Errorf("stat %s: %w", configPath, err)
	} else {
		getLogger().Info("keeping existing configuration", "path", configPath)
	}

	db, err := store.NewSQLiteStore(cfg.Storage.DatabasePath(), getLogger())
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate %s: %w", cfg.Storage.DatabasePath(), err)
	}
	getLogger().Info("task database ready", "path", cfg.Storage.DatabasePath())
	return nil
}

// Verify checks that configPath holds a valid configuration, that the
// storage layout exists and that the host tools the configuration relies on
// are installed.
func Verify(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	var errs []error
	for _, dir := range []string{cfg.Storage.AnalysesDir(), cfg.Storage.BinariesDir()} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			errs = append(errs, fmt.Errorf("directory %s does not exist", dir))
		}
	}
	for _, tool := range requiredTools(cfg) {
		if _, err := lookPath(tool); err != nil {
			errs = append(errs, fmt.Errorf("%s not found: %w", tool, err))
		}
	}
	return errors.Join(errs...)
}

func requiredTools(cfg config.Config) []string {
	tools := []string{"file"}
	if cfg.Auxiliary.Sniffer.Enabled {
		tools = append(tools, cfg.Auxiliary.Sniffer.Tcpdump)
	}
	routed := cfg.Routing.Route != "none" || cfg.Routing.Internet != "none" ||
		cfg.Routing.VPN.Enabled || cfg.Routing.Inetsim.Enabled || cfg.Routing.Tor.Enabled
	if routed {
		tools = append(tools, "nft", "ip")
	}
	return tools
}

// ClearConfig removes the configuration file. The storage root is left
// untouched.
func ClearConfig(configPath string) error {
	getLogger().Info("clearing configuration file", "path", configPath)
	if err := os.Remove(configPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", configPath, err)
	}
	return nil
}
