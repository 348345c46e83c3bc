package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/anstrom/scanlink/internal/logging"
	"github.com/anstrom/scanlink/internal/session"
)

var infoJSON bool

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the backend's reference data",
	Long: `Connect to the backend, run the bootstrap batch and print what it returned:
application version, scannable subnets, port lists and scan defaults.`,
	Example: `  scanlink info
  scanlink info --address 10.0.0.2:8766 --json`,
	RunE: runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().BoolVar(&infoJSON, "json", false, "print raw reference data as JSON")
}

func runInfo(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := session.OptionsFromConfig(cfg)
	opts.Logger = logging.Component("session")
	opts.Metrics = startMetrics(cmd.Context(), cfg.Metrics)

	return info(cmd.Context(), session.New(opts), infoJSON, cmd.OutOrStdout())
}

// info bootstraps s and prints the reference data. It closes s before
// returning.
func info(ctx context.Context, s *session.Session, asJSON bool, out io.Writer) error {
	defer s.Close()
	if err := s.Start(ctx); err != nil {
		return err
	}
	ref := s.Reference()

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(ref)
	}
	return renderReference(out, ref, s.URL())
}

func renderReference(out io.Writer, ref session.ReferenceData, url string) error {
	app, err := ref.App()
	if err != nil {
		return fmt.Errorf("failed to decode app info: %w", err)
	}
	subnets, err := ref.SubnetList()
	if err != nil {
		return fmt.Errorf("failed to decode subnets: %w", err)
	}
	lists, err := ref.PortListSummary()
	if err != nil {
		return fmt.Errorf("failed to decode port lists: %w", err)
	}
	defaults, err := ref.DefaultsMap()
	if err != nil {
		return fmt.Errorf("failed to decode defaults: %w", err)
	}

	fmt.Fprintf(out, "Backend:  %s %s\n", app.Name, app.Version)
	fmt.Fprintf(out, "Endpoint: %s\n\n", url)

	subnetTable := tablewriter.NewWriter(out)
	subnetTable.Header("Subnet", "Interface", "Address")
	for _, sn := range subnets {
		if err := subnetTable.Append([]string{sn.CIDR, sn.Interface, sn.Address}); err != nil {
			return err
		}
	}
	if err := subnetTable.Render(); err != nil {
		return err
	}

	listTable := tablewriter.NewWriter(out)
	listTable.Header("Port list", "Ports")
	for _, pl := range lists {
		if err := listTable.Append([]string{pl.Name, strconv.Itoa(pl.Count)}); err != nil {
			return err
		}
	}
	if err := listTable.Render(); err != nil {
		return err
	}

	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fmt.Fprintln(out, "Defaults:")
	for _, k := range keys {
		fmt.Fprintf(out, "  %s: %v\n", k, defaults[k])
	}
	return nil
}
