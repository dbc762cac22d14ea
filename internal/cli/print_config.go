package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shmcache/internal/config"
)

// ErrConfigExists is returned by init-config when the target file exists.
var ErrConfigExists = errors.New("config file already exists")

// PrintConfigCmd returns the print-config command.
func PrintConfigCmd(a *app) *Command {
	flags := flag.NewFlagSet("print-config", flag.ContinueOnError)
	asJSON := flags.Bool("json", false, "Print JSON")

	return &Command{
		Flags: flags,
		Usage: "print-config [--json]",
		Short: "Show resolved configuration",
		Long:  "Display the effective configuration and which files it was loaded from.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			if *asJSON {
				return printJSON(o, a.cfg)
			}

			execPrintConfig(o, a.cfg)

			return nil
		},
	}
}

func execPrintConfig(o *IO, cfg config.Config) {
	o.Println("effective_cwd=" + cfg.EffectiveCwd)

	if cfg.File != "" {
		o.Println("file=" + cfg.File)
	} else {
		o.Println("namespace=" + cfg.Namespace)
	}

	if cfg.Dir != "" {
		o.Println("dir=" + cfg.Dir)
	}

	o.Printf("size=%d\n", cfg.Size)

	if cfg.IndexCapacity != 0 {
		o.Printf("index_capacity=%d\n", cfg.IndexCapacity)
	}

	if cfg.MinChunkSize != 0 {
		o.Printf("min_chunk_size=%d\n", cfg.MinChunkSize)
	}

	if cfg.GrowthFactor != 0 {
		o.Printf("growth_factor=%g\n", cfg.GrowthFactor)
	}

	o.Println("lock_timeout=" + cfg.LockTimeoutDuration.String())

	if cfg.LogFile != "" {
		o.Println("log_file=" + cfg.LogFile)
	}

	if cfg.AuditLog != "" {
		o.Println("audit_log=" + cfg.AuditLog)
	}

	o.Println("")
	o.Println("# sources")

	if cfg.Sources.Global == "" && cfg.Sources.Project == "" {
		o.Println("(defaults only)")

		return
	}

	if cfg.Sources.Global != "" {
		o.Println("global_config=" + cfg.Sources.Global)
	}

	if cfg.Sources.Project != "" {
		o.Println("project_config=" + cfg.Sources.Project)
	}
}

// InitConfigCmd returns the init-config command.
func InitConfigCmd(a *app) *Command {
	flags := flag.NewFlagSet("init-config", flag.ContinueOnError)
	path := flags.String("path", "", "Write to `file` instead of ./"+config.FileName)
	force := flags.Bool("force", false, "Overwrite an existing file")

	return &Command{
		Flags: flags,
		Usage: "init-config [--path file] [--force]",
		Short: "Write a commented config file",
		Long:  "Write a commented project config file with the defaults.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			target := *path
			if target == "" {
				target = config.FileName
			}

			if !filepath.IsAbs(target) {
				target = filepath.Join(a.cfg.EffectiveCwd, target)
			}

			if !*force {
				exists, err := a.fs.Exists(target)
				if err != nil {
					return fmt.Errorf("stat %s: %w", target, err)
				}

				if exists {
					return fmt.Errorf("%w: %s (use --force to overwrite)", ErrConfigExists, target)
				}
			}

			if err := a.fs.WriteFileAtomic(target, []byte(config.Template), configFilePerm); err != nil {
				return fmt.Errorf("write %s: %w", target, err)
			}

			o.Println(target)

			return nil
		},
	}
}

const configFilePerm = 0o600
