package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/majorcontext/buildfleet/internal/config"
	"github.com/majorcontext/buildfleet/internal/handshake"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a cloud configuration file",
	Long: `Load and validate a cloud configuration file, then print each cloud
with its defaults applied. Exits non-zero on the first invalid file.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(_ *cobra.Command, args []string) error {
	path := settings.ConfigPath
	if len(args) == 1 {
		path = args[0]
	}
	file, err := config.Load(path)
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(file.Clouds)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tLABEL\tBACKEND\tPROJECT\tMAX\tTIMEOUT\tMODE")
	for _, c := range file.Clouds {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			c.Name, c.Label, c.Backend, c.Project, c.AgentLimit(), c.ConnectTimeout,
			handshake.SelectMode(c.Handshake))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%s: %d cloud(s) OK\n", path, len(file.Clouds))
	return nil
}
