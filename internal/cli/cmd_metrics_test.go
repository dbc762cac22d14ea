package cli_test

import (
	"fmt"
	"testing"

	"github.com/calvinalkan/shmcache/internal/cli"
)

func Test_Metrics_Prints_Text_Exposition_When_Invoked(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	c.MustRun("set", "a", "1")
	c.MustRun("set", "b", "2")

	stdout := c.MustRun("metrics")
	label := fmt.Sprintf(`{region=%q}`, c.RegionPath("default"))

	cli.AssertContains(t, stdout, "# TYPE shmcache_entries gauge")
	cli.AssertContains(t, stdout, "shmcache_entries"+label+" 2")
	cli.AssertContains(t, stdout, "shmcache_index_capacity"+label+" 2048")
	cli.AssertContains(t, stdout, "shmcache_total_bytes"+label+" 1.048576e+06")
	cli.AssertContains(t, stdout, "shmcache_up"+label+" 1")
}

func Test_Metrics_Uses_Prefix_When_Flag_Given(t *testing.T) {
	t.Parallel()

	c := cli.NewCLI(t)
	stdout := c.MustRun("metrics", "--prefix", "cache")

	cli.AssertContains(t, stdout, "cache_total_bytes")
	cli.AssertNotContains(t, stdout, "shmcache_")
}
