package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/anstrom/scanlink/internal/logging"
	"github.com/anstrom/scanlink/internal/mockserver"
)

var (
	mockListen  string
	mockTick    time.Duration
	mockDevices int
)

// mockServerCmd represents the mock-server command
var mockServerCmd = &cobra.Command{
	Use:   "mock-server",
	Short: "Run a fake scanning backend",
	Long: `Run an in-process fake backend that speaks the same protocol as the real
scanner. It answers the bootstrap requests and simulates scans, which makes
it useful for trying the client without a scanner.`,
	Example: `  scanlink mock-server
  scanlink mock-server --listen 127.0.0.1:9000 --tick 100ms --devices 32`,
	RunE: runMockServer,
}

func init() {
	rootCmd.AddCommand(mockServerCmd)

	mockServerCmd.Flags().StringVar(&mockListen, "listen", "127.0.0.1:8766", "address to listen on")
	mockServerCmd.Flags().DurationVar(&mockTick, "tick", 250*time.Millisecond, "interval between simulated scan updates")
	mockServerCmd.Flags().IntVar(&mockDevices, "devices", 8, "hosts reported per simulated scan")
}

func runMockServer(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := mockserver.New(mockserver.Options{
		Logger:         logging.Component("mockserver"),
		TickInterval:   mockTick,
		DevicesPerScan: mockDevices,
	})
	return srv.ListenAndServe(ctx, mockListen)
}
