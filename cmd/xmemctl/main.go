// xmemctl is a CLI for inspecting and driving shared-memory buffer pools.
//
// Usage:
//
//	xmemctl <pool-name>              Open (or create with defaults) a pool
//	xmemctl new [opts] <pool-name>   Create a pool with explicit geometry
//	xmemctl ls                       List known pools
//	xmemctl unlink <pool-name>       Remove a pool region
//
// Options for 'new' command:
//
//	-c, --capacity      Maximum number of slots (default: 1024)
//	-s, --data-size     Payload arena size in bytes (default: 64 MiB)
//	-d, --dir           Region directory (default: /dev/shm)
//
// Commands (in REPL):
//
//	alloc <size>                   Allocate a buffer, keep an owning guard
//	prealloc <size> <count>        Bulk-allocate buffers (no guards kept)
//	get <index>                    Show a slot's descriptor
//	read <index> [max]             Hex-dump a slot's payload
//	write <index> <data>           Write into an owned slot's payload
//	ref <index>                    Show a slot's reference count
//	addref <index>                 Increment a slot's reference count
//	release <index>                Decrement a slot's reference count
//	setref <index> <n>             Set a slot's reference count exactly
//	stats                          Show pool usage
//	bench <count> <size>           Benchmark acquire+release performance
//	help                           Show this help
//	exit / quit / q                Exit (open owning guards are closed)
package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/dayn9t/xmem/pkg/shmpool"
)

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if len(os.Args) < 2 {
		printUsage()

		return errors.New("missing command or pool name")
	}

	switch os.Args[1] {
	case "new":
		return runNew(os.Args[2:])
	case "ls":
		return runLs(os.Args[2:])
	case "unlink":
		return runUnlink(os.Args[2:])
	default:
		return runOpen(os.Args[1:])
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage:\n")
	fmt.Fprintf(os.Stderr, "  xmemctl <pool-name>              Open (or create with defaults) a pool\n")
	fmt.Fprintf(os.Stderr, "  xmemctl new [opts] <pool-name>   Create a pool with explicit geometry\n")
	fmt.Fprintf(os.Stderr, "  xmemctl ls                       List known pools\n")
	fmt.Fprintf(os.Stderr, "  xmemctl unlink <pool-name>       Remove a pool region\n")
	fmt.Fprintf(os.Stderr, "\nRun 'xmemctl new --help' for creation options.\n")
}

func runNew(args []string) error {
	cfg, err := LoadConfig(os.Environ())
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("new", flag.ExitOnError)

	capacity := fs.Uint32P("capacity", "c", cfg.Capacity, "maximum number of slots")
	dataSize := fs.Uint64P("data-size", "s", cfg.DataSize, "payload arena size in bytes")
	dir := fs.StringP("dir", "d", cfg.PoolDir, "region directory")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: xmemctl new [options] <pool-name>\n\n")
		fmt.Fprintf(os.Stderr, "Create a pool region with explicit geometry.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()

		return errors.New("missing pool name")
	}

	name := fs.Arg(0)

	opts := shmpool.Options{
		Name:     name,
		Capacity: *capacity,
		DataSize: *dataSize,
		Dir:      *dir,
	}

	fmt.Printf("\nOpening pool with:\n")
	fmt.Printf("  Name:       %s\n", name)
	fmt.Printf("  Directory:  %s\n", *dir)
	fmt.Printf("  Capacity:   %d slots\n", *capacity)
	fmt.Printf("  Data size:  %d bytes\n", *dataSize)
	fmt.Println()

	pool, err := shmpool.Open(opts)
	if err != nil {
		return fmt.Errorf("opening pool: %w", err)
	}
	defer pool.Close()

	if err := recordPool(*dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "warning: updating registry: %v\n", err)
	}

	repl := &REPL{
		pool:   pool,
		guards: map[uint32]*shmpool.Guard{},
	}

	return repl.Run()
}

func runOpen(args []string) error {
	cfg, err := LoadConfig(os.Environ())
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("open", flag.ExitOnError)

	dir := fs.StringP("dir", "d", cfg.PoolDir, "region directory")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: xmemctl [--dir <dir>] <pool-name>\n\n")
		fmt.Fprintf(os.Stderr, "Open an existing pool, or create one with default geometry.\n")
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()

		return errors.New("missing pool name")
	}

	name := fs.Arg(0)

	// Zero geometry adopts whatever the region already has. A fresh region
	// falls back to the library defaults; 'new' is the path for explicit
	// geometry.
	pool, err := shmpool.Open(shmpool.Options{
		Name: name,
		Dir:  *dir,
	})
	if err != nil {
		return fmt.Errorf("opening pool: %w", err)
	}
	defer pool.Close()

	if err := recordPool(*dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "warning: updating registry: %v\n", err)
	}

	repl := &REPL{
		pool:   pool,
		guards: map[uint32]*shmpool.Guard{},
	}

	return repl.Run()
}

func runLs(args []string) error {
	cfg, err := LoadConfig(os.Environ())
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("ls", flag.ExitOnError)

	dir := fs.StringP("dir", "d", cfg.PoolDir, "region directory")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: xmemctl ls [--dir <dir>]\n\n")
		fmt.Fprintf(os.Stderr, "List pools recorded in the registry.\n")
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	reg, err := loadRegistry(*dir)
	if err != nil {
		return fmt.Errorf("reading registry: %w", err)
	}

	if len(reg.Pools) == 0 {
		fmt.Println("(no pools recorded)")

		return nil
	}

	for _, entry := range reg.Pools {
		status := "missing"

		pool, openErr := shmpool.Open(shmpool.Options{Name: entry.Name, Dir: *dir})
		if openErr == nil {
			stats, statsErr := pool.Stats()
			if statsErr == nil {
				status = fmt.Sprintf("capacity=%d live=%d used=%d/%d",
					stats.Capacity, stats.LiveSlots, stats.DataUsed, stats.DataSize)
			}

			pool.Close()
		}

		fmt.Printf("%-24s %-20s %s\n", entry.Name, entry.FirstSeen.Format(time.DateTime), status)
	}

	return nil
}

func runUnlink(args []string) error {
	cfg, err := LoadConfig(os.Environ())
	if err != nil {
		return err
	}

	fs := flag.NewFlagSet("unlink", flag.ExitOnError)

	dir := fs.StringP("dir", "d", cfg.PoolDir, "region directory")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: xmemctl unlink [--dir <dir>] <pool-name>\n\n")
		fmt.Fprintf(os.Stderr, "Remove a pool region. Attached processes keep their mappings.\n")
	}

	if err := fs.Parse(args); err != nil {
		return err
	}

	if fs.NArg() < 1 {
		fs.Usage()

		return errors.New("missing pool name")
	}

	name := fs.Arg(0)

	if err := shmpool.Unlink(dirOrDefault(*dir), name); err != nil {
		return fmt.Errorf("unlinking pool: %w", err)
	}

	if err := forgetPool(*dir, name); err != nil {
		fmt.Fprintf(os.Stderr, "warning: updating registry: %v\n", err)
	}

	fmt.Printf("OK: unlinked %s\n", name)

	return nil
}

func dirOrDefault(dir string) string {
	if dir == "" {
		return shmpool.DefaultDir
	}

	return dir
}

// REPL is the interactive command loop. Owning guards from alloc are held in
// guards, keyed by slot index, so write and release can reach them.
type REPL struct {
	pool   *shmpool.Pool
	guards map[uint32]*shmpool.Guard
	liner  *liner.State
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	return filepath.Join(home, ".xmemctl_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("xmemctl - shared-memory pool CLI (pool=%s, capacity=%d)\n", r.pool.Name(), r.pool.Capacity())
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("xmem> ")
		if err != nil {
			if err == liner.ErrPromptAborted || err == io.EOF {
				fmt.Println("\nBye!")

				break
			}

			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")

			r.closeGuards()
			r.saveHistory()

			return nil

		case "help", "?":
			r.printHelp()

		case "alloc":
			r.cmdAlloc(args)

		case "prealloc":
			r.cmdPrealloc(args)

		case "get":
			r.cmdGet(args)

		case "read":
			r.cmdRead(args)

		case "write":
			r.cmdWrite(args)

		case "ref":
			r.cmdRef(args)

		case "addref":
			r.cmdAddRef(args)

		case "release", "rel":
			r.cmdRelease(args)

		case "setref":
			r.cmdSetRef(args)

		case "stats", "info":
			r.cmdStats()

		case "bench":
			r.cmdBench(args)

		case "clear", "cls":
			fmt.Print("\033[H\033[2J")

		default:
			fmt.Printf("Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.closeGuards()
	r.saveHistory()

	return nil
}

// closeGuards closes all owning guards still held by the REPL.
func (r *REPL) closeGuards() {
	for index, g := range r.guards {
		if err := g.Close(); err != nil {
			fmt.Printf("Warning: closing guard for slot %d: %v\n", index, err)
		}

		delete(r.guards, index)
	}
}

// saveHistory persists command history to disk.
func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

// completer provides tab completion for commands.
func (r *REPL) completer(line string) []string {
	commands := []string{
		"alloc", "prealloc", "get", "read", "write",
		"ref", "addref", "release", "rel", "setref",
		"stats", "info", "bench", "clear", "cls",
		"help", "exit", "quit", "q",
	}

	var completions []string

	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}

	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  alloc <size>                   Allocate a buffer, keep an owning guard")
	fmt.Println("  prealloc <size> <count>        Bulk-allocate buffers (no guards kept)")
	fmt.Println("  get <index>                    Show a slot's descriptor")
	fmt.Println("  read <index> [max]             Hex-dump a slot's payload")
	fmt.Println("  write <index> <data>           Write into an owned slot's payload")
	fmt.Println("  ref <index>                    Show a slot's reference count")
	fmt.Println("  addref <index>                 Increment a slot's reference count")
	fmt.Println("  release <index>                Decrement a slot's reference count")
	fmt.Println("  setref <index> <n>             Set a slot's reference count exactly")
	fmt.Println("  stats                          Show pool usage")
	fmt.Println("  bench <count> <size>           Benchmark acquire+release performance")
	fmt.Println("  help                           Show this help")
	fmt.Println("  exit / quit / q                Exit (open owning guards are closed)")
	fmt.Println()
	fmt.Println("Data: hex (e.g., 'deadbeef') or plain text (e.g., 'foo').")
}

// parseIndex parses a slot index argument.
func parseIndex(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid index %q: %w", s, err)
	}

	return uint32(v), nil
}

// parseData parses payload bytes from user input. Tries hex first, falls back
// to plain text.
func parseData(s string) []byte {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return []byte(s)
	}

	return raw
}

func (r *REPL) cmdAlloc(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: alloc <size>")

		return
	}

	size, err := strconv.Atoi(args[0])
	if err != nil || size < 1 {
		fmt.Println("Error: size must be a positive integer")

		return
	}

	g, err := r.pool.AcquireCPU(size)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	r.guards[g.MetaIndex()] = g

	fmt.Printf("OK: slot %d, %d bytes (owning guard held)\n", g.MetaIndex(), g.Size())
}

func (r *REPL) cmdPrealloc(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: prealloc <size> <count>")

		return
	}

	size, err := strconv.Atoi(args[0])
	if err != nil || size < 1 {
		fmt.Println("Error: size must be a positive integer")

		return
	}

	count, err := strconv.Atoi(args[1])
	if err != nil || count < 1 {
		fmt.Println("Error: count must be a positive integer")

		return
	}

	indices, err := r.pool.PreallocateCPU(size, count)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: %d slots of %d bytes each:", count, size)

	for _, index := range indices {
		fmt.Printf(" %d", index)
	}

	fmt.Println()
	fmt.Println("Each slot holds ref count 1; pair every index with a 'release'.")
}

func (r *REPL) cmdGet(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: get <index>")

		return
	}

	index, err := parseIndex(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	g, err := r.pool.Get(index)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}
	defer g.Close()

	rc, err := r.pool.RefCount(index)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	_, owned := r.guards[index]

	fmt.Printf("Slot:       %d\n", index)
	fmt.Printf("Size:       %d bytes\n", g.Size())
	fmt.Printf("Ref count:  %d\n", rc)
	fmt.Printf("Valid:      %v\n", g.IsValid())
	fmt.Printf("Owned here: %v\n", owned)
}

func (r *REPL) cmdRead(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: read <index> [max]")

		return
	}

	index, err := parseIndex(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	maxBytes := 256
	if len(args) >= 2 {
		maxBytes, err = strconv.Atoi(args[1])
		if err != nil || maxBytes < 1 {
			fmt.Println("Error: max must be a positive integer")

			return
		}
	}

	g, held := r.guards[index]
	if !held {
		var getErr error

		g, getErr = r.pool.Get(index)
		if getErr != nil {
			fmt.Printf("Error: %v\n", getErr)

			return
		}
		defer g.Close()
	}

	buf, err := g.Bytes()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	n := min(len(buf), maxBytes)

	fmt.Print(hex.Dump(buf[:n]))

	if n < len(buf) {
		fmt.Printf("... (%d of %d bytes, use 'read %d <max>' for more)\n", n, len(buf), index)
	}
}

func (r *REPL) cmdWrite(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: write <index> <data>")

		return
	}

	index, err := parseIndex(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	g, held := r.guards[index]
	if !held {
		fmt.Printf("Error: no owning guard for slot %d (use 'alloc'; observers cannot write)\n", index)

		return
	}

	data := parseData(args[1])

	buf, err := g.BytesMut()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if len(data) > len(buf) {
		fmt.Printf("Error: %d bytes do not fit in a %d-byte buffer\n", len(data), len(buf))

		return
	}

	copy(buf, data)

	fmt.Printf("OK: wrote %d bytes to slot %d\n", len(data), index)
}

func (r *REPL) cmdRef(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: ref <index>")

		return
	}

	index, err := parseIndex(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	rc, err := r.pool.RefCount(index)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("Ref count: %d\n", rc)
}

func (r *REPL) cmdAddRef(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: addref <index>")

		return
	}

	index, err := parseIndex(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	rc, err := r.pool.AddRef(index)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: ref count now %d\n", rc)
}

func (r *REPL) cmdRelease(args []string) {
	if len(args) < 1 {
		fmt.Println("Usage: release <index>")

		return
	}

	index, err := parseIndex(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	// A held owning guard releases through its Close so the guard does not
	// dangle over a slot it no longer owns.
	if g, held := r.guards[index]; held {
		delete(r.guards, index)

		if err := g.Close(); err != nil {
			fmt.Printf("Error: %v\n", err)

			return
		}

		rc, err := r.pool.RefCount(index)
		if err != nil {
			fmt.Printf("Error: %v\n", err)

			return
		}

		fmt.Printf("OK: guard closed, ref count now %d\n", rc)

		return
	}

	rc, err := r.pool.Release(index)
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	if rc == 0 {
		fmt.Printf("OK: ref count now 0, slot %d freed\n", index)
	} else {
		fmt.Printf("OK: ref count now %d\n", rc)
	}
}

func (r *REPL) cmdSetRef(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: setref <index> <n>")

		return
	}

	index, err := parseIndex(args[0])
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	n, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		fmt.Printf("Error parsing count: %v\n", err)

		return
	}

	if err := r.pool.SetRefCount(index, n); err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("OK: ref count set to %d\n", n)
}

func (r *REPL) cmdStats() {
	stats, err := r.pool.Stats()
	if err != nil {
		fmt.Printf("Error: %v\n", err)

		return
	}

	fmt.Printf("Pool Stats:\n")
	fmt.Printf("  Name:         %s\n", r.pool.Name())
	fmt.Printf("  Capacity:     %d slots\n", stats.Capacity)
	fmt.Printf("  Live slots:   %d\n", stats.LiveSlots)
	fmt.Printf("  Arena size:   %d bytes\n", stats.DataSize)
	fmt.Printf("  Arena used:   %d bytes\n", stats.DataUsed)
	fmt.Printf("  Allocations:  %d\n", stats.AllocSeq)
	fmt.Printf("  Guards here:  %d\n", len(r.guards))
}

func (r *REPL) cmdBench(args []string) {
	if len(args) < 2 {
		fmt.Println("Usage: bench <count> <size>")

		return
	}

	count, err := strconv.Atoi(args[0])
	if err != nil || count < 1 {
		fmt.Println("Error: count must be a positive integer")

		return
	}

	size, err := strconv.Atoi(args[1])
	if err != nil || size < 1 {
		fmt.Println("Error: size must be a positive integer")

		return
	}

	fmt.Printf("Benchmarking %d acquire+release cycles of %d bytes...\n", count, size)

	start := time.Now()

	for i := 0; i < count; i++ {
		g, err := r.pool.AcquireCPU(size)
		if err != nil {
			fmt.Printf("Error at cycle %d: %v\n", i+1, err)

			return
		}

		if err := g.Close(); err != nil {
			fmt.Printf("Error at cycle %d: %v\n", i+1, err)

			return
		}
	}

	elapsed := time.Since(start)
	rate := float64(count) / elapsed.Seconds()
	fmt.Printf("OK: %d cycles in %v (%.0f ops/sec)\n", count, elapsed.Round(time.Millisecond), rate)
}
