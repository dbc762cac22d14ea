package cli

import (
	"context"
	"fmt"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

// DropCmd returns the drop command.
func DropCmd(a *app) *Command {
	flags := flag.NewFlagSet("drop", flag.ContinueOnError)
	force := flags.Bool("force", false, "Do not wait for the region lock")

	return &Command{
		Flags: flags,
		Usage: "drop [--force]",
		Short: "Destroy the region",
		Long: "Destroy the region and unlink its backing file. Processes still attached\n" +
			"fail with a stale region error; the next open creates an empty region.\n" +
			"Dropping a region that does not exist succeeds.",
		Exec: func(_ context.Context, _ *IO, _ []string) error {
			if err := shmcache.Drop(a.cfg.DropOptions(*force)); err != nil {
				return fmt.Errorf("drop %s: %w", identityField(a.cfg), hint(err))
			}

			a.audit.Record("drop", "force="+strconv.FormatBool(*force))

			return nil
		},
	}
}
