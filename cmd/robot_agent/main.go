// Package main provides the entry point for the ontology robot agent.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "robot_agent",
	Short: "Ontology Robot Pipeline Agent",
	Long:  "Robot agent runs ordered ontology-processing pipelines against project snapshots and tracks their progress through a REST API.",
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
