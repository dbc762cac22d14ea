package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/shirou/gopsutil/v3/disk"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

// StatusCmd returns the status command.
func StatusCmd(a *app) *Command {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	asJSON := flags.Bool("json", false, "Print JSON")

	return &Command{
		Flags: flags,
		Usage: "status [--json]",
		Short: "Print allocator accounting",
		Long:  "Print free_bytes, free_chunks, largest_chunk, total_bytes and used_bytes of the region.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return a.withCache(func(c *shmcache.Cache) error {
				st, err := c.Status()
				if err != nil {
					return err
				}

				if *asJSON {
					return printJSON(o, st)
				}

				o.Printf("free_bytes=%d\n", st.FreeBytes)
				o.Printf("free_chunks=%d\n", st.FreeChunks)
				o.Printf("largest_chunk=%d\n", st.LargestChunk)
				o.Printf("total_bytes=%d\n", st.TotalBytes)
				o.Printf("used_bytes=%d\n", st.UsedBytes)

				return nil
			})
		},
	}
}

// KeysCmd returns the keys command.
func KeysCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("keys", flag.ContinueOnError),
		Usage: "keys",
		Short: "List keys in sorted order",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return a.withCache(func(c *shmcache.Cache) error {
				keys, err := c.Keys()
				if err != nil {
					return err
				}

				slices.Sort(keys)

				for _, k := range keys {
					o.Println(k)
				}

				return nil
			})
		},
	}
}

// CheckCmd returns the check command.
func CheckCmd(a *app) *Command {
	return &Command{
		Flags: flag.NewFlagSet("check", flag.ContinueOnError),
		Usage: "check",
		Short: "Verify region consistency",
		Long:  "Walk the index and every free list and report the first inconsistency.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return a.withCache(func(c *shmcache.Cache) error {
				if err := c.Check(); err != nil {
					return err
				}

				o.Println("ok")

				return nil
			})
		},
	}
}

// infoOutput is the JSON document printed by info.
type infoOutput struct {
	shmcache.Info

	Filesystem *disk.UsageStat `json:"filesystem,omitempty"`
}

// InfoCmd returns the info command.
func InfoCmd(a *app) *Command {
	flags := flag.NewFlagSet("info", flag.ContinueOnError)
	asJSON := flags.Bool("json", false, "Print JSON")

	return &Command{
		Flags: flags,
		Usage: "info [--json]",
		Short: "Print region geometry and counters",
		Long: "Print the region geometry, size classes and lifetime counters, plus the\n" +
			"capacity of the filesystem backing the region.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return a.withCache(func(c *shmcache.Cache) error {
				info, err := c.Info()
				if err != nil {
					return err
				}

				out := infoOutput{Info: info}

				usage, err := disk.UsageWithContext(ctx, filepath.Dir(info.Path))
				if err != nil {
					o.Warn("filesystem usage unavailable: "+err.Error(), "region info is still valid")
				} else {
					out.Filesystem = usage
				}

				if *asJSON {
					return printJSON(o, out)
				}

				printInfo(o, out)

				return nil
			})
		},
	}
}

func printInfo(o *IO, out infoOutput) {
	info := out.Info

	o.Printf("path=%s\n", info.Path)
	o.Printf("namespace=%s\n", info.Namespace)
	o.Printf("total_bytes=%d\n", info.TotalBytes)
	o.Printf("slab_size=%d\n", info.SlabSize)
	o.Printf("slabs=%d (touched %d)\n", info.SlabCount, info.SlabHighwater)
	o.Printf("size_classes=%d (min %d, growth %.2f)\n", len(info.Classes), info.MinChunkSize, info.GrowthFactor)
	o.Printf("entries=%d/%d\n", info.Entries, info.IndexCapacity)
	o.Printf("buckets=%d (tombstones %d)\n", info.BucketCount, info.Tombstones)
	o.Printf("generation=%d\n", info.Generation)
	o.Printf("recoveries=%d\n", info.Recoveries)

	if fsUsage := out.Filesystem; fsUsage != nil {
		o.Printf("filesystem=%s %s (%d of %d bytes free)\n", fsUsage.Path, fsUsage.Fstype, fsUsage.Free, fsUsage.Total)
	}

	o.Println()
	o.Printf("%8s %8s %8s %10s\n", "size", "per_slab", "slabs", "free")

	for _, cl := range info.Classes {
		o.Printf("%8d %8d %8d %10d\n", cl.Size, cl.PerSlab, cl.Slabs, cl.FreeChunks)
	}
}

func printJSON(o *IO, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}

	o.Println(string(data))

	return nil
}
