package cli

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/calvinalkan/shmcache/pkg/region"
	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

// testRegionSize keeps CLI test regions small.
const testRegionSize = "1048576"

// CLI provides a clean interface for running CLI commands in tests.
// It manages a temp directory used as working directory and namespaces
// root, plus the environment passed to Run.
type CLI struct {
	t   *testing.T
	Dir string
	Env map[string]string
}

// NewCLI creates a new test CLI with a temp directory.
func NewCLI(t *testing.T) *CLI {
	t.Helper()

	return &CLI{
		t:   t,
		Dir: t.TempDir(),
		Env: map[string]string{},
	}
}

// Args returns the arguments Run is invoked with for args.
// "shmc", "--cwd", "--dir" and "--size" are added automatically.
func (r *CLI) Args(args ...string) []string {
	return append([]string{"shmc", "--cwd", r.Dir, "--dir", r.Dir, "--size", testRegionSize}, args...)
}

// Run executes the CLI with the given args and returns stdout, stderr, and exit code.
func (r *CLI) Run(args ...string) (string, string, int) {
	var outBuf, errBuf bytes.Buffer

	code := Run(nil, &outBuf, &errBuf, r.Args(args...), r.Env, nil)

	return outBuf.String(), errBuf.String(), code
}

// RunWithInput executes the CLI with stdin and returns stdout, stderr, and exit code.
// stdin must be a string or io.Reader; panics otherwise.
func (r *CLI) RunWithInput(stdin any, args ...string) (string, string, int) {
	var inReader io.Reader

	switch v := stdin.(type) {
	case string:
		inReader = strings.NewReader(v)
	case io.Reader:
		inReader = v
	default:
		panic(fmt.Sprintf("stdin must be string or io.Reader, got %T", stdin))
	}

	var outBuf, errBuf bytes.Buffer

	code := Run(inReader, &outBuf, &errBuf, r.Args(args...), r.Env, nil)

	return outBuf.String(), errBuf.String(), code
}

// MustRun executes the CLI and fails the test if the command returns non-zero.
// Returns trimmed stdout on success.
func (r *CLI) MustRun(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code != 0 {
		r.t.Fatalf("command %v failed with exit code %d\nstderr: %s", args, code, stderr)
	}

	return strings.TrimSpace(stdout)
}

// MustFail executes the CLI and fails the test if the command succeeds.
// Also fails if stdout is not empty. Returns trimmed stderr.
func (r *CLI) MustFail(args ...string) string {
	r.t.Helper()

	stdout, stderr, code := r.Run(args...)
	if code == 0 {
		r.t.Fatalf("command %v should have failed but succeeded\nstdout: %s", args, stdout)
	}

	if stdout != "" {
		r.t.Fatalf("command %v failed but stdout should be empty\nstdout: %s", args, stdout)
	}

	return strings.TrimSpace(stderr)
}

// RegionPath returns the backing file of a namespace region created by Run.
func (r *CLI) RegionPath(namespace string) string {
	return filepath.Join(r.Dir, namespace+region.FileExt)
}

// OpenCache attaches a library handle to the namespace the CLI uses, so
// tests can check CLI effects from the same region. The handle is closed at
// cleanup.
func (r *CLI) OpenCache(namespace string) *shmcache.Cache {
	r.t.Helper()

	c, err := shmcache.Open(shmcache.Options{Namespace: namespace, Dir: r.Dir})
	if err != nil {
		r.t.Fatalf("open %s: %v", namespace, err)
	}

	r.t.Cleanup(func() { _ = c.Close() })

	return c
}

// AssertContains fails the test if content doesn't contain substr.
func AssertContains(t *testing.T, content, substr string) {
	t.Helper()

	if !strings.Contains(content, substr) {
		t.Errorf("content should contain %q\ncontent:\n%s", substr, content)
	}
}

// AssertNotContains fails the test if content contains substr.
func AssertNotContains(t *testing.T, content, substr string) {
	t.Helper()

	if strings.Contains(content, substr) {
		t.Errorf("content should NOT contain %q\ncontent:\n%s", substr, content)
	}
}
