package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/stephen-kim/cinepyle/internal/api"
	"github.com/stephen-kim/cinepyle/internal/config"
	"github.com/stephen-kim/cinepyle/internal/storage"
)

// --- strategies ---

var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "Audit stored extraction strategies",
}

var strategiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every stored strategy version",
	RunE: func(cmd *cobra.Command, args []string) error {
		site, _ := cmd.Flags().GetString("site")
		return listStrategies(cmd.Context(), os.Stdout, site, false)
	},
}

var strategiesStaleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List retired strategy versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		site, _ := cmd.Flags().GetString("site")
		return listStrategies(cmd.Context(), os.Stdout, site, true)
	},
}

func init() {
	for _, c := range []*cobra.Command{strategiesListCmd, strategiesStaleCmd} {
		c.Flags().String("site", "", "only this chain (cgv, lotte, megabox, cineq)")
		strategiesCmd.AddCommand(c)
	}
}

func strategiesPath(site string, staleOnly bool) string {
	q := url.Values{}
	if site != "" {
		q.Set("site", site)
	}
	if staleOnly {
		q.Set("stale", "true")
	}
	if len(q) == 0 {
		return "/v1/strategies"
	}
	return "/v1/strategies?" + q.Encode()
}

func listStrategies(ctx context.Context, w io.Writer, site string, staleOnly bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.get(ctx, strategiesPath(site, staleOnly))
	if err != nil {
		return err
	}
	var views []api.StrategyView
	if err := decodeJSON(resp, &views); err != nil {
		return err
	}
	if len(views) == 0 {
		fmt.Fprintln(w, "No strategies found.")
		return nil
	}
	writeStrategies(w, views)
	return nil
}

func writeStrategies(w io.Writer, views []api.StrategyView) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SITE\tTASK\tVERSION\tSOURCE\tOK\tFAIL\tVALIDATED\tSTATUS")
	for _, v := range views {
		validated := "-"
		if v.LastValidatedAt != nil {
			validated = v.LastValidatedAt.Local().Format("2006-01-02 15:04")
		}
		status := "active"
		if v.Stale {
			status = colorize(colorYellow, "stale")
		}
		fmt.Fprintf(tw, "%s\t%s\tv%d\t%s\t%d\t%d\t%s\t%s\n",
			v.Site, v.Task, v.Version, v.Source, v.SuccessCount, v.FailureCount, validated, status)
	}
	tw.Flush()
}

// --- theaters ---

var theatersCmd = &cobra.Command{
	Use:   "theaters",
	Short: "Manage the local theater directory",
}

var theatersImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import theaters from a YAML file",
	Long: `Import theaters from a YAML file. Entries with the same chain and id
replace existing rows.

File format:
  theaters:
    - chain: cgv
      id: "0013"
      name: CGV용산아이파크몰
      region: 서울
      lat: 37.5298
      lng: 126.9648`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading %s: %w", args[0], err)
		}
		theaters, err := parseTheaters(data)
		if err != nil {
			return err
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		n, err := store.UpsertTheaters(theaters)
		if err != nil {
			return err
		}
		printSuccess("Imported %d theaters", n)
		return nil
	},
}

var theatersSearchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the theater directory",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		chain, _ := cmd.Flags().GetString("chain")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		q := url.Values{"q": {strings.Join(args, " ")}, "limit": {strconv.Itoa(limit)}}
		if chain != "" {
			q.Set("chain", chain)
		}
		resp, err := client.get(context.Background(), "/v1/theaters?"+q.Encode())
		if err != nil {
			return err
		}
		var theaters []storage.Theater
		if err := decodeJSON(resp, &theaters); err != nil {
			return err
		}
		if len(theaters) == 0 {
			fmt.Println("No theaters found.")
			return nil
		}
		for _, th := range theaters {
			fmt.Printf("%s  %s  %s  %s\n", colorize(colorCyan, th.Chain), th.ID, th.Name, th.Region)
		}
		return nil
	},
}

func init() {
	theatersSearchCmd.Flags().String("chain", "", "only this chain")
	theatersSearchCmd.Flags().Int("limit", 15, "maximum number of results")
	theatersCmd.AddCommand(theatersImportCmd)
	theatersCmd.AddCommand(theatersSearchCmd)
}

type theaterFile struct {
	Theaters []storage.Theater `yaml:"theaters"`
}

// parseTheaters accepts either a top-level list or a theaters: key.
func parseTheaters(data []byte) ([]storage.Theater, error) {
	var file theaterFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(&file)
	if err != nil {
		var list []storage.Theater
		if listErr := yaml.Unmarshal(data, &list); listErr != nil {
			return nil, fmt.Errorf("parsing theater file: %w", err)
		}
		file.Theaters = list
	}
	if len(file.Theaters) == 0 {
		return nil, errors.New("theater file lists no theaters")
	}
	for i, th := range file.Theaters {
		if th.Chain == "" || th.ID == "" || th.Name == "" {
			return nil, fmt.Errorf("theater %d: chain, id and name are required", i+1)
		}
		file.Theaters[i].Chain = strings.ToLower(strings.TrimSpace(th.Chain))
	}
	return file.Theaters, nil
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: "Set a configuration value in the platform backend. Secrets such as API keys\n" +
		"and chain passwords come from CINEPYLE_* environment variables or the secret store.\n\n" +
		"Keys: " + strings.Join(config.ValidKeys(), ", "),
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
