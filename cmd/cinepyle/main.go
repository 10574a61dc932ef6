package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "cinepyle",
	Short: "Book Korean cinema tickets through a conversation",
	Long: "cinepyle fills a booking (chain, theater, movie, date, time) from chat messages\n" +
		"and drives the cinema's site up to the payment step.",
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(strategiesCmd)
	rootCmd.AddCommand(theatersCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

