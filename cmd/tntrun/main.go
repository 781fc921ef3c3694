// tntrun launches one local process per rank of a distributed training job.
//
// It exports the MASTER_ADDR/MASTER_PORT/RANK/WORLD_SIZE/LOCAL_RANK convention
// to every child (plus TNT_BACKEND, TNT_ALLREDUCE_ALGO and TNT_TIMEOUT), streams
// their output with a per-rank colored prefix and prints a summary table when
// all ranks finish. The children are expected to call distributed.InitFromEnv.
//
// Example:
//
//	tntrun --nproc=4 -- ./tnttrain --strategy=fsdp --steps=100
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/ethan626/tnt/pkg/core/distributed"
)

var (
	flagNProc = flag.Int("nproc", 2, "Number of ranks (processes) to launch on this machine.")
	flagAddr  = flag.String("master_addr", "127.0.0.1", "Address rank 0 binds the coordination store to. "+
		"Exported to the children as MASTER_ADDR.")
	flagPort = flag.Int("master_port", 0, "Port of the coordination store, exported as MASTER_PORT. "+
		"0 picks a free port.")
	flagBackend = flag.String("backend", "go", "Compile backend for the children, exported as TNT_BACKEND.")
	flagAlgo    = flag.String("algo", "auto", "All-reduce algorithm, exported as TNT_ALLREDUCE_ALGO. "+
		"One of: auto, naive, ring.")
	flagTimeout = flag.Duration("timeout", 5*time.Minute, "Rendezvous and collective timeout, exported as TNT_TIMEOUT.")
	flagQuiet   = flag.Bool("quiet", false, "Discard the children's stdout/stderr, keep only the progress bar and the summary.")
)

func main() {
	flag.Usage = func() {
		_, _ = fmt.Fprintf(flag.CommandLine.Output(),
			"Usage: %s [flags] -- <command> [args...]\n\nFlags:\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	target := flag.Args()
	if len(target) == 0 {
		klog.Errorf("Missing the command to launch. See 'tntrun -help'.")
		os.Exit(1)
	}
	if *flagNProc < 1 {
		klog.Errorf("--nproc must be >= 1, got %d.", *flagNProc)
		os.Exit(1)
	}
	if _, err := distributed.AlgoString(*flagAlgo); err != nil {
		klog.Errorf("Invalid --algo=%q, must be one of auto, naive or ring.", *flagAlgo)
		os.Exit(1)
	}
	port := *flagPort
	if port == 0 {
		port = must.M1(freePort(*flagAddr))
	}
	// One session id for the whole run, so a restart on a lingering store cannot
	// collide with stale rendezvous keys.
	session := uuid.NewString()
	klog.V(1).Infof("run session %s", session)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println(titleStyle.Render(fmt.Sprintf("tntrun: %d × %s @ %s:%d", *flagNProc, target[0], *flagAddr, port)))
	out := newOutput(*flagNProc)
	results := make([]rankResult, *flagNProc)
	start := time.Now()

	group, ctx := errgroup.WithContext(ctx)
	for rank := range *flagNProc {
		group.Go(func() error {
			res := runRank(ctx, rank, port, session, target, out)
			results[rank] = res
			out.rankDone()
			if res.err != nil {
				return errors.WithMessagef(res.err, "rank %d", rank)
			}
			return nil
		})
	}
	err := group.Wait()
	out.close()

	printSummary(results, time.Since(start))
	if err != nil {
		klog.Errorf("Run failed: %+v", err)
		os.Exit(exitCodeFor(results))
	}
}

// rankResult is the outcome of one child process.
type rankResult struct {
	rank     int
	pid      int
	exitCode int
	duration time.Duration
	maxRSS   uint64
	err      error
}

// runRank starts the child for one rank, relays its output and waits for it.
// The child dies with the context: SIGTERM first, SIGKILL if it lingers.
func runRank(ctx context.Context, rank, port int, session string, target []string, out *output) rankResult {
	res := rankResult{rank: rank, exitCode: -1}
	cmd := exec.CommandContext(ctx, target[0], target[1:]...)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("MASTER_ADDR=%s", *flagAddr),
		fmt.Sprintf("MASTER_PORT=%d", port),
		fmt.Sprintf("RANK=%d", rank),
		fmt.Sprintf("WORLD_SIZE=%d", *flagNProc),
		fmt.Sprintf("LOCAL_RANK=%d", rank),
		fmt.Sprintf("TNT_BACKEND=%s", *flagBackend),
		fmt.Sprintf("TNT_ALLREDUCE_ALGO=%s", *flagAlgo),
		fmt.Sprintf("TNT_TIMEOUT=%s", *flagTimeout),
		fmt.Sprintf("TNT_SESSION=%s", session),
	)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = 10 * time.Second

	stdout := must.M1(cmd.StdoutPipe())
	stderr := must.M1(cmd.StderrPipe())
	begin := time.Now()
	if err := cmd.Start(); err != nil {
		res.err = errors.Wrapf(err, "starting %q", target[0])
		return res
	}
	res.pid = cmd.Process.Pid
	klog.V(1).Infof("rank %d started as pid %d", rank, res.pid)

	prefix := rankStyle(rank).Render(fmt.Sprintf("[rank %d]", rank))
	var streams sync.WaitGroup
	streams.Add(2)
	go out.relay(&streams, prefix, stdout, os.Stdout)
	go out.relay(&streams, prefix, stderr, os.Stderr)
	streams.Wait()

	err := cmd.Wait()
	res.duration = time.Since(begin)
	if state := cmd.ProcessState; state != nil {
		res.exitCode = state.ExitCode()
		if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
			// Linux reports Maxrss in KiB.
			res.maxRSS = uint64(usage.Maxrss) * 1024
		}
	}
	res.err = err
	return res
}

// freePort asks the kernel for an unused TCP port on addr and releases it again.
// A concurrent process may grab it before rank 0 binds; the rendezvous timeout
// surfaces that case.
func freePort(addr string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(addr, "0"))
	if err != nil {
		return 0, errors.Wrap(err, "picking a free coordination port")
	}
	port := l.Addr().(*net.TCPAddr).Port
	return port, l.Close()
}

// exitCodeFor picks the exit code tntrun propagates: the first non-zero child
// exit code, or 1 when the failure had no code (signal, start error).
func exitCodeFor(results []rankResult) int {
	for _, res := range results {
		if res.err != nil && res.exitCode > 0 {
			return res.exitCode
		}
	}
	return 1
}

// output serializes the children's log lines with redraws of the progress bar,
// so a line never lands in the middle of the bar.
type output struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newOutput(numRanks int) *output {
	return &output{
		bar: progressbar.NewOptions(numRanks,
			progressbar.OptionSetDescription("ranks finished"),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionUseANSICodes(true),
		),
	}
}

// relay copies lines from a child stream to w, tagging each with the rank prefix.
func (o *output) relay(wg *sync.WaitGroup, prefix string, from io.Reader, w io.Writer) {
	defer wg.Done()
	scanner := bufio.NewScanner(from)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if *flagQuiet {
			continue
		}
		o.mu.Lock()
		_ = o.bar.Clear()
		_, _ = fmt.Fprintf(w, "%s %s\n", prefix, scanner.Text())
		_ = o.bar.RenderBlank()
		o.mu.Unlock()
	}
}

func (o *output) rankDone() {
	o.mu.Lock()
	defer o.mu.Unlock()
	_ = o.bar.Add(1)
}

func (o *output) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	_ = o.bar.Finish()
	_, _ = fmt.Fprintln(os.Stderr)
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)

	rankColors = []string{"203", "75", "114", "221", "171", "87", "214", "105"}
)

func rankStyle(rank int) lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).
		Foreground(lipgloss.Color(rankColors[rank%len(rankColors)]))
}

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				// Even row style.
				s = oddRowStyle
			default:
				// Odd row style
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Right)
			} else {
				s = s.Align(lipgloss.Left)
			}
			return
		})
}

func printSummary(results []rankResult, elapsed time.Duration) {
	table := newPlainTable(true)
	table.Row("Rank", "PID", "Exit", "Duration", "Peak RSS")
	for _, res := range results {
		exit := strconv.Itoa(res.exitCode)
		if res.err != nil && res.exitCode < 0 {
			exit = "error"
		}
		table.Row(
			strconv.Itoa(res.rank),
			strconv.Itoa(res.pid),
			exit,
			res.duration.Round(time.Millisecond).String(),
			humanize.IBytes(res.maxRSS),
		)
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("%d ranks in %s", len(results), elapsed.Round(time.Millisecond))))
	fmt.Println(table.Render())
}
