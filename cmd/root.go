/*
Copyright © 2026 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pincer",
	Short: "Personal AI agent with chat channels",
	Long: `Pincer is a small personal AI agent. It answers prompts from the
terminal, runs as a gateway bridging chat channels like Telegram, and
keeps per-conversation history inside its workspace.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
