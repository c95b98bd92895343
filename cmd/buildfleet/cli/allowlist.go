package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/majorcontext/buildfleet/internal/allowlist"
)

var allowlistCmd = &cobra.Command{
	Use:   "allowlist",
	Short: "Inspect the build-service source address allowlist",
}

var allowlistCheckCmd = &cobra.Command{
	Use:   "check <ip>...",
	Short: "Report whether addresses would be admitted",
	Long: `Fetch the published address ranges and report, for each address,
whether a worker connecting from it would be admitted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAllowlistCheck,
}

func init() {
	allowlistCmd.AddCommand(allowlistCheckCmd)
	rootCmd.AddCommand(allowlistCmd)
}

type admission struct {
	Addr     string `json:"addr"`
	Admitted bool   `json:"admitted"`
}

func runAllowlistCheck(cmd *cobra.Command, args []string) error {
	addrs := make([]netip.Addr, len(args))
	for i, a := range args {
		addr, err := netip.ParseAddr(a)
		if err != nil {
			return fmt.Errorf("invalid address %q: %w", a, err)
		}
		addrs[i] = addr
	}

	gate := allowlist.NewGate(&allowlist.HTTPFetcher{URL: settings.AllowlistURL}, allowlist.Options{TTL: settings.AllowlistTTL})
	if err := gate.Refresh(cmd.Context()); err != nil {
		return err
	}

	results := make([]admission, len(addrs))
	for i, addr := range addrs {
		err := gate.Admit(cmd.Context(), addr)
		var refused *allowlist.RefusedError
		if err != nil && !errors.As(err, &refused) {
			return err
		}
		results[i] = admission{Addr: addr.String(), Admitted: err == nil}
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(results)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tRESULT")
	for _, r := range results {
		result := "refused"
		if r.Admitted {
			result = "admitted"
		}
		fmt.Fprintf(w, "%s\t%s\n", r.Addr, result)
	}
	fmt.Fprintf(w, "\n%d prefixes loaded\n", len(gate.Snapshot().Prefixes))
	return w.Flush()
}
