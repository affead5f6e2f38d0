package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cwbudde/crowdcalib/internal/campaign"
	"github.com/cwbudde/crowdcalib/internal/server"
)

var serverURL string

var statusCmd = &cobra.Command{
	Use:   "status [campaign-id]",
	Short: "Show campaign progress",
	Long: `Shows the progress of campaigns. Without an ID all campaigns are listed.
Campaigns are read from the local data directory, or from a running status
server when --server is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&serverURL, "server", "", "Status server URL (e.g. http://localhost:8080)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if serverURL != "" {
		base := strings.TrimRight(serverURL, "/") + "/api/v1/campaigns"
		if len(args) == 0 {
			var list []campaign.Status
			if err := getJSON(base, &list); err != nil {
				return err
			}
			printStatusTable(out, list)
			return nil
		}
		var s campaign.Status
		if err := getJSON(base+"/"+args[0], &s); err != nil {
			return err
		}
		printStatus(out, s)
		return nil
	}

	st, err := openStore(cmd)
	if err != nil {
		return err
	}
	if len(args) == 0 {
		list, err := server.NewRegistry(st).List()
		if err != nil {
			return err
		}
		printStatusTable(out, list)
		return nil
	}

	s, err := server.NewRegistry(st).Get(args[0])
	if err != nil {
		return err
	}
	printStatus(out, s)
	if res, err := campaign.LoadResult(st, args[0]); err == nil {
		fmt.Fprintf(out, "\nResult:         %s\n", res.Message)
		fmt.Fprintf(out, "Best evaluation: %s\n", res.BestExperimentID)
	}
	return nil
}

func getJSON(url string, v any) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("campaign not found")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned error: %s", strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func printStatusTable(out io.Writer, list []campaign.Status) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No campaigns found.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CAMPAIGN\tSTATE\tALGORITHM\tPROGRESS\tBEST\tUPDATED")
	for _, s := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			s.CampaignID, s.State, s.Algorithm, s.Evaluations, s.Target,
			formatObjective(s.BestObjective), s.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func printStatus(out io.Writer, s campaign.Status) {
	fmt.Fprintf(out, "Campaign:       %s\n", s.CampaignID)
	fmt.Fprintf(out, "State:          %s\n", s.State)
	fmt.Fprintf(out, "Algorithm:      %s (seed %d)\n", s.Algorithm, s.Seed)
	fmt.Fprintf(out, "Progress:       %d/%d evaluations, generation %d\n", s.Evaluations, s.Target, s.Generation)
	fmt.Fprintf(out, "Best objective: %s\n", formatObjective(s.BestObjective))
	if s.Last != nil {
		fmt.Fprintf(out, "Last:           eval %d objective %.4f in %s\n",
			s.Last.Iteration, s.Last.Objective, s.Last.Duration.Round(time.Second))
	}
	if !s.StartTime.IsZero() {
		end := time.Now()
		if s.EndTime != nil {
			end = *s.EndTime
		}
		fmt.Fprintf(out, "Elapsed:        %s\n", end.Sub(s.StartTime).Round(time.Second))
	}
	fmt.Fprintf(out, "Log:            %s\n", s.LogPath)
	if s.Message != "" {
		fmt.Fprintf(out, "Message:        %s\n", s.Message)
	}
	if s.Error != "" {
		fmt.Fprintf(out, "Error:          %s\n", s.Error)
	}
}

func formatObjective(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.4f", *v)
}
