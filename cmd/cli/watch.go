package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanlink/internal/logging"
	"github.com/anstrom/scanlink/internal/protocol"
	"github.com/anstrom/scanlink/internal/reconcile"
	"github.com/anstrom/scanlink/internal/session"
)

const terminateGrace = 5 * time.Second

var (
	watchSubnet   string
	watchPortList string
	watchTimeout  time.Duration
	watchOutput   string
)

// watchCmd represents the watch command
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Start a scan and follow it until it finishes",
	Long: `Connect to the backend, start a scan of the given subnet and print progress
as it arrives. The connection is re-established automatically if it drops;
the scan view is resynchronized from the backend afterwards. Interrupting the
command terminates the scan.`,
	Example: `  scanlink watch --subnet 192.168.1.0/24
  scanlink watch --subnet 10.0.0.0/28 --address 10.0.0.2:8766 --output json
  SCANLINK_ENDPOINT_ADDRESS=scanner:8766 scanlink watch --subnet 10.0.0.0/24`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVar(&watchSubnet, "subnet", "", "subnet to scan in CIDR notation")
	watchCmd.Flags().StringVar(&watchPortList, "port-list", "", "named port list offered by the backend")
	watchCmd.Flags().DurationVar(&watchTimeout, "timeout", 0, "give up after this long (0 waits forever)")
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "table", "final output format: table, json")
	_ = watchCmd.MarkFlagRequired("subnet")
}

type watchOptions struct {
	Request session.ScanRequest
	Timeout time.Duration
	Output  string
}

func runWatch(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := session.OptionsFromConfig(cfg)
	opts.Logger = logging.Component("session")
	opts.Metrics = startMetrics(ctx, cfg.Metrics)

	return watch(ctx, session.New(opts), watchOptions{
		Request: session.ScanRequest{Subnet: watchSubnet, PortList: watchPortList},
		Timeout: watchTimeout,
		Output:  watchOutput,
	}, cmd.OutOrStdout())
}

// watch drives one scan on s and writes progress and the final result to
// out. It closes s before returning.
func watch(ctx context.Context, s *session.Session, opts watchOptions, out io.Writer) error {
	defer s.Close()
	w := &lockedWriter{w: out}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	finished := make(chan struct{}, 1)
	s.SetObserver(func(p session.Progress) {
		fmt.Fprintln(w, formatProgress(p))
	})
	s.SetEventObserver(func(ev *protocol.Event) {
		switch ev.Event {
		case protocol.EventScanStarted, protocol.EventScanUpdate, protocol.EventScanDelta, protocol.EventScanResults:
			fmt.Fprintln(w, formatStatus(s.Snapshot().Status))
		case protocol.EventScanComplete, protocol.EventScanTerminated, protocol.EventScanStopped:
			fmt.Fprintln(w, formatStatus(s.Snapshot().Status))
			select {
			case finished <- struct{}{}:
			default:
			}
		}
	})

	if err := s.Start(ctx); err != nil {
		return err
	}
	scanID, err := s.StartScan(ctx, opts.Request)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "scan %s started for %s\n", scanID, opts.Request.Subnet)

	select {
	case <-finished:
	case <-ctx.Done():
		fmt.Fprintln(w, "stopping scan")
		termCtx, cancel := context.WithTimeout(context.Background(), terminateGrace)
		defer cancel()
		if err := s.Terminate(termCtx); err != nil {
			logging.Default().ErrorScan("Failed to terminate scan", scanID, err)
		} else {
			select {
			case <-finished:
			case <-termCtx.Done():
			}
		}
	}

	s.SetObserver(nil)
	s.SetEventObserver(nil)
	return writeResult(w, s.Snapshot(), opts.Output)
}

func writeResult(w io.Writer, state reconcile.State, format string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	if err := renderDevices(w, state.Devices); err != nil {
		return err
	}
	renderIssues(w, state)
	return nil
}
