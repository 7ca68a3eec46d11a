// Package bench wraps the site-management tool that creates, configures and
// drops tenant sites on the local host.
package bench

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	godisk "github.com/shirou/gopsutil/v4/disk"

	"github.com/rs/zerolog/log"

	"github.com/RendaniSinyage/rokct/internal/subprocess"
)

// Timeouts per command.
const (
	NewSiteTimeout    = 300 * time.Second
	InstallAppTimeout = 600 * time.Second
	SetConfigTimeout  = 60 * time.Second
	DropSiteTimeout   = 180 * time.Second
)

// ErrInsufficientDisk is returned by NewSite when the bench volume is too full.
var ErrInsufficientDisk = errors.New("insufficient free disk space")

var diskUsage = godisk.UsageWithContext

// Config locates the bench and the secrets its commands need.
type Config struct {
	Path           string
	Command        string
	DBRootPassword string
	AdminPassword  string
	MinFreeDiskMB  uint64
}

// Bench runs site commands through a subprocess.Runner.
type Bench struct {
	cfg    Config
	runner subprocess.Runner
}

// New returns a Bench. Command defaults to "bench".
func New(cfg Config, runner subprocess.Runner) *Bench {
	if cfg.Command == "" {
		cfg.Command = "bench"
	}
	return &Bench{cfg: cfg, runner: runner}
}

// Path returns the bench base directory.
func (b *Bench) Path() string {
	return b.cfg.Path
}

// SitePath returns the directory a site lives in.
func (b *Bench) SitePath(site string) string {
	return filepath.Join(b.cfg.Path, "sites", site)
}

// SiteExists reports whether the site directory is present.
func (b *Bench) SiteExists(site string) (bool, error) {
	info, err := os.Stat(b.SitePath(site))
	if err == nil {
		return info.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat site %s: %w", site, err)
}

// NewSite creates a site with its own database.
func (b *Bench) NewSite(ctx context.Context, site, dbName string) error {
	if err := b.checkDisk(ctx); err != nil {
		return err
	}
	args := []string{"new-site", site, "--db-name", dbName, "--admin-password", b.cfg.AdminPassword}
	if b.cfg.DBRootPassword != "" {
		args = append(args, "--db-root-password", b.cfg.DBRootPassword)
	}
	_, err := b.run(ctx, args, NewSiteTimeout)
	return err
}

// InstallApp installs one app on a site.
func (b *Bench) InstallApp(ctx context.Context, site, app string) error {
	_, err := b.run(ctx, []string{"--site", site, "install-app", app}, InstallAppTimeout)
	return err
}

// SetConfig sets one key in the site config.
func (b *Bench) SetConfig(ctx context.Context, site, key, value string) error {
	_, err := b.run(ctx, []string{"--site", site, "set-config", key, value}, SetConfigTimeout)
	return err
}

// DropSite deletes a site and its database.
func (b *Bench) DropSite(ctx context.Context, site string) error {
	args := []string{"drop-site", site, "--force"}
	if b.cfg.DBRootPassword != "" {
		args = append(args, "--db-root-password", b.cfg.DBRootPassword)
	}
	_, err := b.run(ctx, args, DropSiteTimeout)
	return err
}

// WriteAppsList writes the per-site list of installed apps, one per line.
func (b *Bench) WriteAppsList(site string, apps []string) error {
	dir := b.SitePath(site)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create site dir: %w", err)
	}
	content := strings.Join(apps, "\n") + "\n"
	if err := os.WriteFile(filepath.Join(dir, "apps.txt"), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write apps list: %w", err)
	}
	return nil
}

// run executes one bench command. A started command is bounded by its own
// timeout only; callers check ctx between commands.
func (b *Bench) run(ctx context.Context, args []string, timeout time.Duration) (*subprocess.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.runner.Run(context.WithoutCancel(ctx), subprocess.Command{
		Name:    b.cfg.Command,
		Args:    args,
		Dir:     b.cfg.Path,
		Timeout: timeout,
		Secrets: []string{b.cfg.DBRootPassword, b.cfg.AdminPassword},
	})
}

func (b *Bench) checkDisk(ctx context.Context) error {
	if b.cfg.MinFreeDiskMB == 0 {
		return nil
	}
	usage, err := diskUsage(ctx, b.cfg.Path)
	if err != nil {
		log.Warn().Err(err).Str("component", "bench").Str("path", b.cfg.Path).Msg("Disk usage check failed, continuing")
		return nil
	}
	freeMB := usage.Free / (1024 * 1024)
	if freeMB < b.cfg.MinFreeDiskMB {
		return fmt.Errorf("%w: %d MB free, %d MB required", ErrInsufficientDisk, freeMB, b.cfg.MinFreeDiskMB)
	}
	return nil
}

var nonDBChars = regexp.MustCompile(`[^a-z0-9_]+`)

// DBName derives a database name from a site name. MariaDB caps names at 64.
func DBName(site string) string {
	name := nonDBChars.ReplaceAllString(strings.ToLower(site), "_")
	name = strings.Trim(name, "_")
	if len(name) > 64 {
		name = strings.TrimRight(name[:64], "_")
	}
	return name
}

// ModuleSet returns common ∪ planModules, deduplicated in first-seen order,
// with primary moved to the end.
func ModuleSet(common, planModules []string, primary string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(m string) {
		m = strings.TrimSpace(m)
		if m == "" || m == primary || seen[m] {
			return
		}
		seen[m] = true
		out = append(out, m)
	}
	for _, m := range common {
		add(m)
	}
	for _, m := range planModules {
		add(m)
	}
	if primary != "" {
		out = append(out, primary)
	}
	return out
}
