package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shmcache/metrics/prom"
	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

// MetricsCmd returns the metrics command.
func MetricsCmd(a *app) *Command {
	flags := flag.NewFlagSet("metrics", flag.ContinueOnError)
	namespace := flags.String("prefix", "shmcache", "Metric name prefix")

	return &Command{
		Flags: flags,
		Usage: "metrics [--prefix name]",
		Short: "Print region gauges in Prometheus text format",
		Long: "Scrape the region once and print its gauges in the Prometheus text\n" +
			"exposition format, suitable for the node exporter textfile collector.",
		Exec: func(_ context.Context, o *IO, _ []string) error {
			return a.withCache(func(c *shmcache.Cache) error {
				reg := prometheus.NewRegistry()

				labels := prometheus.Labels{"region": c.Path()}
				if err := reg.Register(prom.NewCollector(c, *namespace, "", labels)); err != nil {
					return fmt.Errorf("register collector: %w", err)
				}

				families, err := reg.Gather()
				if err != nil {
					return fmt.Errorf("gather: %w", err)
				}

				return writeFamilies(o, families)
			})
		},
	}
}

func writeFamilies(o *IO, families []*dto.MetricFamily) error {
	enc := expfmt.NewEncoder(o, expfmt.NewFormat(expfmt.TypeTextPlain))

	for _, mf := range families {
		if err := enc.Encode(mf); err != nil {
			return fmt.Errorf("encode %s: %w", mf.GetName(), err)
		}
	}

	return nil
}
