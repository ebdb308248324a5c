package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pipeforge/pkg/api"
)

var statusCmd = &cobra.Command{
	Use:   "status [pipeline_id]",
	Short: "Get status of a pipeline",
	Long:  `Retrieve a pipeline's aggregate status and the per-job breakdown, including each job's stage, state and failure reason.`,
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		pipelineID := args[0]

		flags := cmd.Flags()
		projectID, _ := flags.GetString("project")

		url := viper.GetString("url")
		token := viper.GetString("token")

		if token == "" {
			cmd.Println("API token not found. Please set it using the --token flag or the PIPEFORGE_TOKEN environment variable")
			return
		}
		if projectID == "" {
			cmd.Println("Error: --project is required")
			return
		}

		client := NewPipelineClient(url, token)
		pipeline, err := client.GetPipeline(projectID, pipelineID)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Error: %v\n", err)
			}
			return
		}

		printPipeline(cmd, pipeline)
	},
}

func printPipeline(cmd *cobra.Command, pipeline *api.PipelineResponse) {
	icon := statusIcon(pipeline.Status)
	cmd.Printf("%s %sPipeline Details%s\n", icon, colorBold, colorReset)
	cmd.Println("──────────────────────────────")

	cmd.Printf("%sID:%s       %s\n", colorDim, colorReset, pipeline.ID)
	cmd.Printf("%sRef:%s      %s @ %s\n", colorDim, colorReset, pipeline.Ref, shortSHA(pipeline.SHA))
	cmd.Printf("%sSource:%s   %s\n", colorDim, colorReset, pipeline.Source)
	cmd.Printf("%sStatus:%s   %s\n", colorDim, colorReset, colorizeStatus(pipeline.Status))
	cmd.Printf("%sCreated:%s  %s\n", colorDim, colorReset, formatTimeWithRelative(&pipeline.CreatedAt))

	if pipeline.ErrorMessage != "" {
		cmd.Printf("%sError:%s    %s%s%s\n", colorDim, colorReset, colorRed, pipeline.ErrorMessage, colorReset)
	}

	if len(pipeline.Jobs) == 0 {
		return
	}

	cmd.Printf("\n%sJobs%s\n", colorBold, colorReset)
	for _, job := range pipeline.Jobs {
		line := fmt.Sprintf("  %s %s %s(%s)%s", statusIcon(job.Status), job.Name, colorDim, job.Stage, colorReset)
		if job.AllowFailure {
			line += " " + colorYellow + "[allowed to fail]" + colorReset
		}
		if job.FailureReason != nil {
			line += " " + colorRed + *job.FailureReason + colorReset
		}
		cmd.Println(line)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
)

func statusIcon(status string) string {
	switch status {
	case "success":
		return colorGreen + "✓" + colorReset
	case "failed":
		return colorRed + "✗" + colorReset
	case "running":
		return colorYellow + "⏳" + colorReset
	case "pending", "created":
		return colorCyan + "◯" + colorReset
	case "canceled", "skipped":
		return colorDim + "−" + colorReset
	default:
		return "•"
	}
}

func colorizeStatus(status string) string {
	icon := statusIcon(status)
	switch status {
	case "success":
		return icon + " " + colorGreen + status + colorReset
	case "failed":
		return icon + " " + colorRed + status + colorReset
	case "running":
		return icon + " " + colorYellow + status + colorReset
	case "pending", "created":
		return icon + " " + colorCyan + status + colorReset
	default:
		return icon + " " + status
	}
}

func formatTimeWithRelative(t *time.Time) string {
	if t == nil {
		return "-"
	}
	relative := relativeTime(*t)
	return fmt.Sprintf("%s %s(%s ago)%s", t.Format("Mon, 02 Jan 2006 15:04:05 MST"), colorDim, relative, colorReset)
}

func relativeTime(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return fmt.Sprintf("%ds", int(duration.Seconds()))
	} else if duration < time.Hour {
		return fmt.Sprintf("%dm", int(duration.Minutes()))
	} else if duration < 24*time.Hour {
		return fmt.Sprintf("%dh", int(duration.Hours()))
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day"
		}
		return fmt.Sprintf("%d days", days)
	}
}

func init() {
	statusCmd.Flags().StringP("project", "p", "", "Project ID (required)")
	rootCmd.AddCommand(statusCmd)
}
