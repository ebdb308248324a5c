package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "forgectl",
	Short: "Forgectl is a command line tool for interacting with the pipeforge platform",
	Long: `forgectl is the command-line interface for the Pipeforge CI pipeline platform.

Pipeforge compiles a YAML CI configuration into a pipeline of jobs and
dispatches those jobs to polling runners. The architecture has two halves:

  - Controller: Stateless HTTP API that compiles pipelines and schedules jobs
  - Runners: Agents that poll for jobs, execute their scripts and report back

Common workflows:

  Validate a CI configuration:
    forgectl lint .ci.yml

  Trigger a pipeline for a commit:
    forgectl trigger --project <id> --ref main --sha abc123 --config .ci.yml

  Check pipeline status:
    forgectl status --project <id> <pipeline-id>

  Inspect a configuration's top-level variables:
    forgectl variables --project <id> --config .ci.yml

Configuration:
  Set the API endpoint and credentials via environment variables or a config file:
    PIPEFORGE_URL      API endpoint (default: http://localhost:6171)
    PIPEFORGE_TOKEN    Project API token for authentication`,
}

func Execute() error {
	return rootCmd.Execute()
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Println(err)
			os.Exit(1)
		}

		// Search config in home directory with name ".forgectl"
		viper.AddConfigPath(home)
		viper.SetConfigName(".forgectl")
		viper.SetConfigType("yaml")
	}

	// Read environment variables that match "PIPEFORGE_VARNAME"
	viper.SetEnvPrefix("PIPEFORGE")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "config file (default is $HOME/.forgectl.yaml)")

	rootCmd.PersistentFlags().String("url", "http://localhost:6171", "Pipeforge Controller URL")
	viper.BindPFlag("url", rootCmd.PersistentFlags().Lookup("url"))

	rootCmd.PersistentFlags().StringP("token", "t", "", "Project API token for authentication")
	viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}
