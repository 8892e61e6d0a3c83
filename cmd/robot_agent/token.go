package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/jonathan/ontology-robot/internal/config"
	"github.com/jonathan/ontology-robot/internal/server"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an API bearer token",
	Long: `Issues a signed bearer token for the REST API using JWT_SECRET. The token grants access
to the projects given with --project; pass "*" to grant every project.`,
	RunE: runToken,
}

var (
	tokenSubject  string
	tokenProjects []string
)

func init() {
	tokenCmd.Flags().StringVar(&tokenSubject, "subject", "", "Token subject, usually a client or user name (required)")
	tokenCmd.Flags().StringArrayVar(&tokenProjects, "project", nil, "Project the token may access (repeatable, required)")

	if err := tokenCmd.MarkFlagRequired("subject"); err != nil {
		panic(fmt.Sprintf("failed to mark subject flag as required: %v", err))
	}
	if err := tokenCmd.MarkFlagRequired("project"); err != nil {
		panic(fmt.Sprintf("failed to mark project flag as required: %v", err))
	}

	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, _ []string) error {
	cfg, err := config.NewJWTConfig()
	if err != nil {
		return err
	}
	return issueToken(server.NewJWTService(cfg), tokenSubject, tokenProjects, cmd.OutOrStdout())
}

// issueToken writes a token for subject scoped to projects.
func issueToken(svc *server.JWTService, subject string, projects []string, out io.Writer) error {
	token, err := svc.GenerateToken(subject, projects)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
