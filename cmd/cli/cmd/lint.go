package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var lintCmd = &cobra.Command{
	Use:   "lint [file]",
	Short: "Validate a CI configuration file",
	Long: `Check a CI configuration for structural errors without creating a
pipeline. All problems are reported at once, not just the first.

Example:
  forgectl lint .ci.yml`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		url := viper.GetString("url")
		token := viper.GetString("token")

		configSrc, err := os.ReadFile(args[0])
		if err != nil {
			cmd.Printf("Failed to read config file: %v\n", err)
			return
		}

		client := NewPipelineClient(url, token)
		result, err := client.Lint(string(configSrc))
		if err != nil {
			if apiErr, ok := err.(*APIError); ok {
				cmd.Printf("Error (%d): %s\n", apiErr.StatusCode, apiErr.Message)
			} else {
				cmd.Printf("Error: %v\n", err)
			}
			return
		}

		if result.Valid {
			cmd.Printf("%s✓ Configuration is valid%s\n", colorGreen, colorReset)
			return
		}

		cmd.Printf("%s✗ Configuration is invalid%s\n", colorRed, colorReset)
		for _, e := range result.Errors {
			cmd.Printf("  - %s\n", e)
		}
	},
}

func init() {
	rootCmd.AddCommand(lintCmd)
}
