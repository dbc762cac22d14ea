package cli

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/VividCortex/ewma"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/calvinalkan/shmcache/metrics/prom"
	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

const benchKeyPrefix = "bench:"

// BenchCmd returns the bench command.
func BenchCmd(a *app) *Command {
	flags := flag.NewFlagSet("bench", flag.ContinueOnError)
	count := flags.Int("count", 10000, "Operations per phase")
	workers := flags.Int("workers", 4, "Concurrent handles")
	valueSize := flags.Int("value-size", 64, "Value size in bytes")
	keep := flags.Bool("keep", false, "Keep the benchmark keys")
	withMetrics := flags.Bool("metrics", false, "Print event counters in Prometheus text format afterwards")

	return &Command{
		Flags: flags,
		Usage: "bench [--count N] [--workers N] [--value-size N] [--keep] [--metrics]",
		Short: "Measure set/get/del throughput",
		Long: "Run set, get and del phases against the region with several concurrent\n" +
			"handles and print throughput and smoothed per-operation latency.\n" +
			"Keys are prefixed with '" + benchKeyPrefix + "' and deleted afterwards unless --keep is set.\n" +
			"With --metrics every handle reports its events to one Prometheus registry,\n" +
			"which is printed after the last phase.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			switch {
			case *count < 1:
				return errors.New("--count must be positive")
			case *workers < 1:
				return errors.New("--workers must be positive")
			case *valueSize < 0:
				return errors.New("--value-size must not be negative")
			}

			b := &bench{
				opts:    a.cfg.Options(),
				count:   *count,
				workers: *workers,
				value:   make([]byte, *valueSize),
			}

			for i := range b.value {
				b.value[i] = byte('a' + i%26)
			}

			if !*withMetrics {
				return b.run(ctx, o, *keep)
			}

			reg := prometheus.NewRegistry()
			b.opts.Metrics = prom.New(reg, "shmcache", "", nil)

			if err := b.run(ctx, o, *keep); err != nil {
				return err
			}

			families, err := reg.Gather()
			if err != nil {
				return fmt.Errorf("gather: %w", err)
			}

			o.Println()

			return writeFamilies(o, families)
		},
	}
}

type bench struct {
	opts    shmcache.Options
	count   int
	workers int
	value   []byte
	handles []*shmcache.Cache
}

// benchPhase is one measured pass over all keys.
type benchPhase struct {
	name string
	op   func(c *shmcache.Cache, key []byte) error
}

func (b *bench) run(ctx context.Context, o *IO, keep bool) error {
	if err := b.open(); err != nil {
		return err
	}

	defer b.close()

	phases := []benchPhase{
		{name: "set", op: func(c *shmcache.Cache, key []byte) error { return c.Set(key, b.value) }},
		{name: "get", op: func(c *shmcache.Cache, key []byte) error {
			_, _, err := c.Get(key)

			return err
		}},
	}

	if !keep {
		phases = append(phases, benchPhase{name: "del", op: func(c *shmcache.Cache, key []byte) error {
			_, err := c.Delete(key)

			return err
		}})
	}

	o.Printf("%d ops per phase, %d workers, %d byte values\n", b.count, b.workers, len(b.value))

	for _, p := range phases {
		if err := b.phase(ctx, o, p); err != nil {
			return fmt.Errorf("%s: %w", p.name, hint(err))
		}
	}

	return nil
}

// open attaches one handle per worker.
func (b *bench) open() error {
	b.handles = make([]*shmcache.Cache, b.workers)

	var g errgroup.Group

	for i := range b.handles {
		g.Go(func() error {
			c, err := shmcache.Open(b.opts)
			if err != nil {
				return err
			}

			b.handles[i] = c

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		b.close()

		return fmt.Errorf("open: %w", hint(err))
	}

	return nil
}

func (b *bench) close() {
	for _, c := range b.handles {
		if c != nil {
			_ = c.Close()
		}
	}
}

func (b *bench) phase(ctx context.Context, o *IO, p benchPhase) error {
	pool, err := ants.NewPool(b.workers)
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}
	defer pool.Release()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		latency  = ewma.NewMovingAverage()
	)

	fail := func(err error) {
		mu.Lock()
		defer mu.Unlock()

		if firstErr == nil {
			firstErr = err
		}
	}

	failed := func() bool {
		mu.Lock()
		defer mu.Unlock()

		return firstErr != nil
	}

	start := time.Now()

	for i := range b.count {
		if ctx.Err() != nil {
			fail(ctx.Err())

			break
		}

		if failed() {
			break
		}

		c := b.handles[i%len(b.handles)]
		key := []byte(benchKeyPrefix + strconv.Itoa(i))

		wg.Add(1)

		submitErr := pool.Submit(func() {
			defer wg.Done()

			opStart := time.Now()

			if err := p.op(c, key); err != nil {
				fail(err)

				return
			}

			mu.Lock()
			latency.Add(float64(time.Since(opStart).Microseconds()))
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			fail(submitErr)

			break
		}
	}

	wg.Wait()

	if firstErr != nil {
		return firstErr
	}

	elapsed := time.Since(start)
	perSec := float64(b.count) / elapsed.Seconds()

	o.Printf("%-4s %8d ops in %-12s %12.0f ops/s  ewma %.1fµs/op\n",
		p.name, b.count, elapsed.Round(time.Microsecond), perSec, latency.Value())

	return nil
}
