package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var variablesCmd = &cobra.Command{
	Use:   "variables",
	Short: "Show a CI configuration's top-level variables",
	Long: `Resolve and print the top-level variable declarations of a CI
configuration, including descriptions.

Example:
  forgectl variables --project 3f2a... --config .ci.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		flags := cmd.Flags()
		projectID, _ := flags.GetString("project")
		configPath, _ := flags.GetString("config")

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
		if configPath == "" {
			cmd.Println("Error: --config is required")
			return
		}

		configSrc, err := os.ReadFile(configPath)
		if err != nil {
			cmd.Printf("Failed to read config file: %v\n", err)
			return
		}

		client := NewPipelineClient(url, token)
		result, err := client.GetVariables(projectID, string(configSrc))
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Error: %v\n", err)
			}
			return
		}

		if len(result.Variables) == 0 {
			cmd.Println("No variables defined")
			return
		}

		for _, v := range result.Variables {
			cmd.Printf("%s=%s\n", v.Key, v.Value)
			if v.Description != "" {
				cmd.Printf("  %s%s%s\n", colorDim, v.Description, colorReset)
			}
		}
	},
}

func init() {
	flags := variablesCmd.Flags()
	flags.StringP("project", "p", "", "Project ID (required)")
	flags.StringP("config", "c", "", "Path to the CI configuration file (required)")

	rootCmd.AddCommand(variablesCmd)
}
