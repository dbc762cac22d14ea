package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jedisct1/dlog"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shmcache/internal/config"
	"github.com/calvinalkan/shmcache/internal/fs"
)

// globalFlags holds the flags accepted before the command name.
type globalFlags struct {
	set *flag.FlagSet

	workDir     string
	configPath  string
	namespace   string
	file        string
	dir         string
	size        int64
	lockTimeout string
	logFile     string
	auditLog    string
	verbose     bool
	help        bool
}

func newGlobalFlags() *globalFlags {
	g := &globalFlags{set: flag.NewFlagSet("shmc", flag.ContinueOnError)}

	g.set.SetInterspersed(false)
	g.set.SetOutput(io.Discard)

	g.set.StringVarP(&g.workDir, "cwd", "C", "", "Run as if started in `dir`")
	g.set.StringVarP(&g.configPath, "config", "c", "", "Use the specified config `file`")
	g.set.StringVarP(&g.namespace, "namespace", "n", "", "Region namespace")
	g.set.StringVarP(&g.file, "file", "f", "", "Region backing file (instead of a namespace)")
	g.set.StringVar(&g.dir, "dir", "", "Directory holding namespace regions")
	g.set.Int64Var(&g.size, "size", 0, "Region size in bytes when creating")
	g.set.StringVar(&g.lockTimeout, "lock-timeout", "", "Max wait for the region lock (e.g. 2s)")
	g.set.StringVar(&g.logFile, "log-file", "", "Write diagnostics to `file`")
	g.set.StringVar(&g.auditLog, "audit-log", "", "Append mutating commands to `file`")
	g.set.BoolVarP(&g.verbose, "verbose", "v", false, "Debug logging")
	g.set.BoolVarP(&g.help, "help", "h", false, "Show help")

	return g
}

func (g *globalFlags) overrides() config.Config {
	return config.Config{
		Namespace:   g.namespace,
		File:        g.file,
		Dir:         g.dir,
		Size:        g.size,
		LockTimeout: g.lockTimeout,
		LogFile:     g.logFile,
		AuditLog:    g.auditLog,
	}
}

// app is the state shared by all commands of one invocation.
type app struct {
	cfg   config.Config
	audit *auditLog
	fs    fs.FS
	env   map[string]string
}

// commands returns every command in help order.
func (a *app) commands() []*Command {
	return []*Command{
		GetCmd(a),
		SetCmd(a),
		DelCmd(a),
		ClearCmd(a),
		SizeCmd(a),
		StatusCmd(a),
		KeysCmd(a),
		CheckCmd(a),
		InfoCmd(a),
		DropCmd(a),
		BenchCmd(a),
		MetricsCmd(a),
		ReplCmd(a),
		PrintConfigCmd(a),
		InitConfigCmd(a),
	}
}

// Run is the main entry point. Returns exit code.
func Run(stdin io.Reader, out, errOut io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	g := newGlobalFlags()

	if len(args) < 2 {
		printUsage(out, g, nil)

		return 0
	}

	if err := g.set.Parse(args[1:]); err != nil {
		fprintln(errOut, "error:", err)
		printUsage(errOut, g, nil)

		return 1
	}

	rest := g.set.Args()
	if g.help || len(rest) == 0 {
		printUsage(out, g, (&app{}).commands())

		return 0
	}

	fsys := fs.NewReal()

	cfg, err := config.Load(config.LoadInput{
		WorkDir:    g.workDir,
		ConfigPath: g.configPath,
		Env:        env,
		Overrides:  g.overrides(),
		FS:         fsys,
	})
	if err != nil {
		fprintln(errOut, "error:", err)

		return 1
	}

	setupLogging(g.verbose, cfg.LogFile)

	a := &app{
		cfg:   cfg,
		audit: openAuditLog(cfg.AuditLog, identityField(cfg)),
		fs:    fsys,
		env:   env,
	}

	defer func() {
		if err := a.audit.Close(); err != nil {
			dlog.Warnf("close audit log: %v", err)
		}
	}()

	var cmd *Command

	for _, c := range a.commands() {
		if c.Matches(rest[0]) {
			cmd = c

			break
		}
	}

	if cmd == nil {
		fprintln(errOut, "error: unknown command:", rest[0])
		printUsage(errOut, g, a.commands())

		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-sigCh:
			dlog.Notice("interrupted")
			cancel()
		case <-ctx.Done():
		}
	}()

	dlog.Debugf("%s on %s", cmd.Name(), identityField(cfg))

	if stdin == nil {
		stdin = strings.NewReader("")
	}

	o := NewIO(stdin, out, errOut)

	code := cmd.Run(ctx, o, rest[1:])

	if warned := o.Finish(); code == 0 {
		code = warned
	}

	return code
}

func identityField(cfg config.Config) string {
	if cfg.File != "" {
		return "file=" + cfg.File
	}

	return "namespace=" + cfg.Namespace
}

func fprintln(w io.Writer, a ...any) {
	_, _ = fmt.Fprintln(w, a...)
}

func printUsage(w io.Writer, g *globalFlags, cmds []*Command) {
	fprintln(w, `shmc - shared memory key/value cache

Usage: shmc [global flags] <command> [args]

Global flags:`)

	var buf strings.Builder

	g.set.SetOutput(&buf)
	g.set.PrintDefaults()
	g.set.SetOutput(io.Discard)

	fprintln(w, strings.TrimRight(buf.String(), "\n"))

	if len(cmds) == 0 {
		cmds = (&app{}).commands()
	}

	fprintln(w)
	fprintln(w, "Commands:")

	for _, c := range cmds {
		fprintln(w, c.HelpLine())
	}
}
