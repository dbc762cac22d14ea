package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/calvinalkan/shmcache/pkg/shmcache"
)

const replPrompt = "shmc> "

// lineReader is the input side of the REPL.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

// scanReader reads commands from a non-interactive stream.
type scanReader struct {
	sc *bufio.Scanner
}

func (s *scanReader) Prompt(string) (string, error) {
	if s.sc.Scan() {
		return s.sc.Text(), nil
	}

	if err := s.sc.Err(); err != nil {
		return "", err
	}

	return "", io.EOF
}

func (s *scanReader) AppendHistory(string) {}

func (s *scanReader) Close() error { return nil }

var replCommands = []string{
	"get", "set", "del", "keys", "size", "status", "info", "check", "clear", "help", "exit", "quit",
}

// ReplCmd returns the repl command.
func ReplCmd(a *app) *Command {
	flags := flag.NewFlagSet("repl", flag.ContinueOnError)
	noHistory := flags.Bool("no-history", false, "Do not read or write the history file")

	return &Command{
		Flags: flags,
		Usage: "repl [--no-history]",
		Short: "Interactive shell on one region handle",
		Long: "Start an interactive shell attached to the region. Commands: get, set,\n" +
			"del, keys, size, status, info, check, clear, help, exit.",
		Exec: func(ctx context.Context, o *IO, _ []string) error {
			return a.withCache(func(c *shmcache.Cache) error {
				r := &repl{cache: c, o: o}

				if f, ok := o.In().(*os.File); ok && f == os.Stdin {
					state := liner.NewLiner()
					state.SetCtrlCAborts(true)
					state.SetCompleter(replCompleter)

					if !*noHistory {
						r.history = historyFile(a.env)
						loadHistory(state, r.history)
					}

					r.in = state
				} else {
					r.in = &scanReader{sc: bufio.NewScanner(o.In())}
				}

				defer func() { _ = r.in.Close() }()

				return r.loop(ctx)
			})
		},
	}
}

type repl struct {
	cache   *shmcache.Cache
	o       *IO
	in      lineReader
	history string
}

func (r *repl) loop(ctx context.Context) error {
	defer r.saveHistory()

	for ctx.Err() == nil {
		line, err := r.in.Prompt(replPrompt)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
				return nil
			}

			return fmt.Errorf("read input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.in.AppendHistory(line)

		done, err := r.exec(line)
		if err != nil {
			// Stale and corrupt regions cannot recover within the session.
			if errors.Is(err, shmcache.ErrStaleRegion) || errors.Is(err, shmcache.ErrCorrupt) {
				return err
			}

			r.o.Println("error:", hint(err))
		}

		if done {
			return nil
		}
	}

	return ctx.Err()
}

// exec runs one line. done is true when the session should end.
func (r *repl) exec(line string) (bool, error) {
	name, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(name) {
	case "exit", "quit", "q":
		return true, nil
	case "help", "?":
		r.printHelp()
	case "get":
		return false, r.get(rest)
	case "set":
		key, value, ok := strings.Cut(rest, " ")
		if !ok {
			return false, errors.New("usage: set <key> <value>")
		}

		return false, r.cache.Set([]byte(key), []byte(value))
	case "del", "delete":
		removed, err := r.cache.Delete([]byte(rest))
		if err != nil {
			return false, err
		}

		r.o.Println(removed)
	case "keys":
		keys, err := r.cache.Keys()
		if err != nil {
			return false, err
		}

		slices.Sort(keys)

		for _, k := range keys {
			r.o.Println(k)
		}
	case "size", "len":
		n, err := r.cache.Len()
		if err != nil {
			return false, err
		}

		r.o.Println(n)
	case "status":
		st, err := r.cache.Status()
		if err != nil {
			return false, err
		}

		r.o.Printf("free_bytes=%d free_chunks=%d largest_chunk=%d total_bytes=%d used_bytes=%d\n",
			st.FreeBytes, st.FreeChunks, st.LargestChunk, st.TotalBytes, st.UsedBytes)
	case "info":
		info, err := r.cache.Info()
		if err != nil {
			return false, err
		}

		printInfo(r.o, infoOutput{Info: info})
	case "check":
		if err := r.cache.Check(); err != nil {
			return false, err
		}

		r.o.Println("ok")
	case "clear":
		return false, r.cache.Clear()
	default:
		r.o.Printf("unknown command: %s (type 'help' for commands)\n", name)
	}

	return false, nil
}

func (r *repl) get(key string) error {
	value, ok, err := r.cache.Get([]byte(key))
	if err != nil {
		return err
	}

	if !ok {
		r.o.Println("(nil)")

		return nil
	}

	r.o.Println(string(value))

	return nil
}

func (r *repl) printHelp() {
	r.o.Println("Commands:")
	r.o.Println("  get <key>            Print the value of a key")
	r.o.Println("  set <key> <value>    Store a value (rest of the line)")
	r.o.Println("  del <key>            Delete a key")
	r.o.Println("  keys                 List keys")
	r.o.Println("  size                 Number of entries")
	r.o.Println("  status               Allocator accounting")
	r.o.Println("  info                 Region geometry")
	r.o.Println("  check                Verify consistency")
	r.o.Println("  clear                Remove every entry")
	r.o.Println("  exit                 Leave the shell")
}

func (r *repl) saveHistory() {
	state, ok := r.in.(*liner.State)
	if !ok || r.history == "" {
		return
	}

	f, err := os.Create(r.history)
	if err != nil {
		return
	}

	_, _ = state.WriteHistory(f)
	_ = f.Close()
}

func replCompleter(line string) []string {
	var out []string

	lower := strings.ToLower(line)

	for _, c := range replCommands {
		if strings.HasPrefix(c, lower) {
			out = append(out, c)
		}
	}

	return out
}

func historyFile(env map[string]string) string {
	home := env["HOME"]
	if home == "" {
		return ""
	}

	return filepath.Join(home, ".shmc_history")
}

func loadHistory(state *liner.State, path string) {
	if path == "" {
		return
	}

	f, err := os.Open(path)
	if err != nil {
		return
	}

	_, _ = state.ReadHistory(f)
	_ = f.Close()
}
