package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

// ErrKeyNotFound is returned by get for a missing key.
var ErrKeyNotFound = errors.New("key not found")

// withCache opens the configured region, runs fn and closes the handle.
func (a *app) withCache(fn func(c *shmcache.Cache) error) error {
	c, err := shmcache.Open(a.cfg.Options())
	if err != nil {
		return fmt.Errorf("open %s: %w", identityField(a.cfg), hint(err))
	}

	err = fn(c)

	return errors.Join(hint(err), c.Close())
}

// hint adds the recovery action to errors that need one.
func hint(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, shmcache.ErrCorrupt), errors.Is(err, shmcache.ErrLayoutMismatch):
		return fmt.Errorf("%w (run 'shmc drop' to rebuild the region)", err)
	case errors.Is(err, shmcache.ErrBusy):
		return fmt.Errorf("%w (raise --lock-timeout or retry)", err)
	default:
		return err
	}
}

// GetCmd returns the get command.
func GetCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("get", flag.ContinueOnError),
		Usage: "get <key>",
		Short: "Print the value of a key",
		Long:  "Print the value stored for <key>. Exits 1 if the key is missing.",
		Args:  1,
		Exec: func(_ context.Context, o *IO, args []string) error {
			return a.withCache(func(c *shmcache.Cache) error {
				value, ok, err := c.Get([]byte(args[0]))
				if err != nil {
					return err
				}

				if !ok {
					return fmt.Errorf("%w: %s", ErrKeyNotFound, args[0])
				}

				o.Println(string(value))

				return nil
			})
		},
	}
}

// SetCmd returns the set command.
func SetCmd(a *app) *Command {
	flags := flag.NewFlagSet("set", flag.ContinueOnError)
	stdin := flags.Bool("stdin", false, "Read the value from stdin")

	return &Command{
		Flags: flags,
		Usage: "set <key> [<value>] [--stdin]",
		Short: "Store a value",
		Long:  "Store <value> for <key>, replacing any previous value. With --stdin the value is read from standard input.",
		Args:  -1,
		Exec: func(_ context.Context, o *IO, args []string) error {
			var value []byte

			switch {
			case *stdin && len(args) == 1:
				data, err := io.ReadAll(o.In())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}

				value = data
			case !*stdin && len(args) == 2:
				value = []byte(args[1])
			default:
				return errors.New("usage: set <key> <value> | set <key> --stdin")
			}

			return a.withCache(func(c *shmcache.Cache) error {
				if err := c.Set([]byte(args[0]), value); err != nil {
					return err
				}

				a.audit.Record("set", "key="+strconv.Quote(args[0]), "bytes="+strconv.Itoa(len(value)))

				return nil
			})
		},
	}
}

// DelCmd returns the del command.
func DelCmd(a *app) *Command {
	return &Command{
		Flags:   flag.NewFlagSet("del", flag.ContinueOnError),
		Usage:   "del <key>",
		Aliases: []string{"delete", "rm"},
		Short:   "Delete a key",
		Long:    "Delete <key>. Deleting a missing key succeeds with a warning.",
		Args:    1,
		Exec: func(_ context.Context, o *IO, args []string) error {
			return a.withCache(func(c *shmcache.Cache) error {
				removed, err := c.Delete([]byte(args[0]))
				if err != nil {
					return err
				}

				if !removed {
					o.Warn("key not found: "+args[0], "nothing was deleted")

					return nil
				}

				a.audit.Record("del", "key="+strconv.Quote(args[0]))

				return nil
			})
		},
	}
}

// ClearCmd returns the clear command.
func ClearCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("clear", flag.ContinueOnError),
		Usage: "clear",
		Short: "Remove every entry",
		Exec: func(_ context.Context, _ *IO, _ []string) error {
			return a.withCache(func(c *shmcache.Cache) error {
				if err := c.Clear(); err != nil {
					return err
				}

				a.audit.Record("clear")

				return nil
			})
		},
	}
}

// SizeCmd returns the size command.
func SizeCmd(a *app) *Command {
	return &Command{
		Flags:   flag.NewFlagSet("size", flag.ContinueOnError),
		Usage:   "size",
		Aliases: []string{"len"},
		Short:   "Print the number of entries",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return a.withCache(func(c *shmcache.Cache) error {
				n, err := c.Len()
				if err != nil {
					return err
				}

				o.Println(n)

				return nil
			})
		},
	}
}
