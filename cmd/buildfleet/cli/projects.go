package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/majorcontext/buildfleet/internal/buildservice"
	"github.com/majorcontext/buildfleet/internal/config"
)

var (
	projectsRegion string
	projectsRole   string
	projectsCloud  string
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List build projects visible to a cloud's credentials",
	Long: `List every build project in a region, sorted by name. Use --cloud to
take the backend, region and credential from the configuration file, or
--region and --role to ask CodeBuild directly.`,
	RunE: runProjects,
}

func init() {
	projectsCmd.Flags().StringVar(&projectsRegion, "region", "", "CodeBuild region")
	projectsCmd.Flags().StringVar(&projectsRole, "role", "", "IAM role ARN to assume")
	projectsCmd.Flags().StringVar(&projectsCloud, "cloud", "", "configured cloud to use")
	rootCmd.AddCommand(projectsCmd)
}

func runProjects(cmd *cobra.Command, _ []string) error {
	cfg := config.CloudConfig{Backend: config.BackendCodeBuild, Region: projectsRegion, CredentialID: projectsRole}
	if projectsCloud != "" {
		file, err := config.Load(settings.ConfigPath)
		if err != nil {
			return err
		}
		found := false
		for _, c := range file.Clouds {
			if c.Name == projectsCloud {
				cfg, found = c, true
				break
			}
		}
		if !found {
			return fmt.Errorf("no cloud named %q in %s", projectsCloud, settings.ConfigPath)
		}
	} else if cfg.Region == "" {
		return fmt.Errorf("either --cloud or --region is required")
	}

	b := newBackends()
	defer b.Close()
	client, err := b.client(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	names, err := buildservice.ListAllProjects(cmd.Context(), client)
	if err != nil {
		return err
	}

	if jsonOut {
		return json.NewEncoder(os.Stdout).Encode(names)
	}
	if len(names) == 0 {
		fmt.Println("No projects found")
		return nil
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}
