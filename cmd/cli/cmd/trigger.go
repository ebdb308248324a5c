package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"pipeforge/pkg/api"
)

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Trigger a pipeline for a commit",
	Long: `Compile the given CI configuration against a commit context and create
a pipeline. The created pipeline's jobs become visible to runners immediately.

Example:
  forgectl trigger --project 3f2a... --ref main --sha abc123 --config .ci.yml
  forgectl trigger --project 3f2a... --ref feature --sha def456 --config .ci.yml \
      --var DEPLOY_ENV=staging --changed src/main.go --changed docs/README.md`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		projectID, _ := flags.GetString("project")
		ref, _ := flags.GetString("ref")
		sha, _ := flags.GetString("sha")
		beforeSHA, _ := flags.GetString("before-sha")
		source, _ := flags.GetString("source")
		configPath, _ := flags.GetString("config")
		vars, _ := flags.GetStringArray("var")
		changed, _ := flags.GetStringArray("changed")
		key, _ := flags.GetString("idempotency-key")

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
		if ref == "" || sha == "" {
			cmd.Println("Error: --ref and --sha are required")
			return
		}
		if configPath == "" {
			cmd.Println("Error: --config is required")
			return
		}

		configSrc, err := os.ReadFile(configPath)
		if err != nil {
			cmd.Printf("Failed to read config file: %v\n", err)
			return
		}

		req := api.CreatePipelineRequest{
			Ref:            ref,
			SHA:            sha,
			BeforeSHA:      beforeSHA,
			Source:         source,
			Config:         string(configSrc),
			ChangedFiles:   changed,
			IdempotencyKey: key,
		}
		for _, v := range vars {
			parts := strings.SplitN(v, "=", 2)
			if len(parts) != 2 {
				cmd.Printf("Error: invalid --var %q, expected KEY=VALUE\n", v)
				return
			}
			req.Variables = append(req.Variables, api.Variable{Key: parts[0], Value: parts[1]})
		}

		client := NewPipelineClient(url, token)
		result, err := client.CreatePipeline(projectID, req)
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Error: %v\n", err)
			}
			return
		}

		if result.Status == "failed" && result.ErrorMessage != "" {
			cmd.Printf("✗ Pipeline failed to compile!\nID: %s\nError: %s\n", result.ID, result.ErrorMessage)
			return
		}

		cmd.Printf("✓ Pipeline created!\nID: %s\nStatus: %s\nJobs: %d\n", result.ID, result.Status, len(result.Jobs))
	},
}

func init() {
	flags := triggerCmd.Flags()
	flags.StringP("project", "p", "", "Project ID (required)")
	flags.StringP("ref", "r", "", "Git ref the pipeline runs for (required)")
	flags.String("sha", "", "Commit SHA (required)")
	flags.String("before-sha", "", "Previous commit SHA of the push")
	flags.String("source", "api", "Pipeline source (push, web, schedule, api, trigger, ...)")
	flags.StringP("config", "c", "", "Path to the CI configuration file (required)")
	flags.StringArray("var", []string{}, "Pipeline variable as KEY=VALUE (repeatable)")
	flags.StringArray("changed", []string{}, "File changed in the commit range (repeatable)")
	flags.String("idempotency-key", "", "Reuse an existing pipeline for the same (ref, sha, key)")

	rootCmd.AddCommand(triggerCmd)
}
