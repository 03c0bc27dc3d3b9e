package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/knoguchi/adaptive/internal/auth"
	"github.com/knoguchi/adaptive/internal/cacs"
	"github.com/knoguchi/adaptive/internal/server"
	"github.com/knoguchi/adaptive/internal/service"
)

const version = "0.1.0"

var (
	serverAddr string
	apiKey     string
	timeout    time.Duration
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "adaptivectl",
		Short: "adaptivectl - talk to an adaptived server over gRPC",
		Long: `adaptivectl runs adaptive queries, submits feedback and inspects learner
profiles. All output is JSON (pipe through jq for human-readable formatting).`,
		Version:      version,
		SilenceUsage: true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", getDefaultServer(), "adaptived gRPC address")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("ADAPTIVE_API_KEY"), "API key sent as x-api-key")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Second, "Per-call timeout")

	rootCmd.AddCommand(newQueryCommand())
	rootCmd.AddCommand(newFeedbackCommand())
	rootCmd.AddCommand(newProfileCommand())
	rootCmd.AddCommand(newHistoryCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func getDefaultServer() string {
	if addr := os.Getenv("ADAPTIVE_SERVER"); addr != "" {
		return addr
	}
	return "localhost:9090"
}

// withClient dials the server, runs fn and closes the connection.
func withClient(fn func(ctx context.Context, c *server.Client) (interface{}, error)) error {
	conn, err := grpc.NewClient(serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverAddr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, auth.APIKeyHeader, apiKey)
	}

	out, err := fn(ctx, server.NewClient(conn))
	if err != nil {
		return err
	}
	return outputJSON(out)
}

func newQueryCommand() *cobra.Command {
	var (
		docs     []string
		docsFile string
		topN     int
	)
	cmd := &cobra.Command{
		Use:   "query <learner-id> <question>",
		Short: "Run an adaptive query",
		Long: `Run an adaptive query. Candidates come from --doc id=base_score flags or from
a JSON file holding an array of {"id", "base_score", "global_score",
"context_score", "metadata"} objects.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			candidates, err := loadCandidates(docs, docsFile)
			if err != nil {
				return err
			}
			return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
				return c.Query(ctx, &service.QueryRequest{
					LearnerID:          args[0],
					Question:           args[1],
					CandidateDocuments: candidates,
					TopN:               topN,
				})
			})
		},
	}
	cmd.Flags().StringArrayVar(&docs, "doc", nil, "Candidate as id=base_score (repeatable)")
	cmd.Flags().StringVar(&docsFile, "docs-file", "", "JSON file with candidate documents")
	cmd.Flags().IntVar(&topN, "top-n", 0, "Documents to select (server default when 0)")
	return cmd
}

func newFeedbackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <learner-id> <answer-reference> <emoji>",
		Short: "Submit emoji feedback for an answer",
		Long:  "Submit emoji feedback. The emoji may be a glyph or one of best, good, neutral, poor.",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
				return c.SubmitFeedback(ctx, &service.FeedbackRequest{
					LearnerID:       args[0],
					AnswerReference: args[1],
					EmojiValue:      args[2],
				})
			})
		},
	}
}

func newProfileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "profile <learner-id>",
		Short: "Show a learner profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
				return c.Profile(ctx, args[0])
			})
		},
	}
}

func newHistoryCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <learner-id>",
		Short: "List a learner's feedback events, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c *server.Client) (interface{}, error) {
				return c.FeedbackHistory(ctx, args[0], limit)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum events to list")
	return cmd
}

func loadCandidates(docs []string, file string) ([]cacs.Candidate, error) {
	var candidates []cacs.Candidate
	if file != "" {
		raw, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		if err := json.Unmarshal(raw, &candidates); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", file, err)
		}
	}
	for _, d := range docs {
		c, err := parseDoc(d)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func parseDoc(s string) (cacs.Candidate, error) {
	id, score, ok := strings.Cut(s, "=")
	if !ok || id == "" {
		return cacs.Candidate{}, fmt.Errorf("invalid --doc %q, want id=base_score", s)
	}
	base, err := strconv.ParseFloat(score, 64)
	if err != nil {
		return cacs.Candidate{}, fmt.Errorf("invalid base score in --doc %q: %w", s, err)
	}
	return cacs.Candidate{ID: id, BaseScore: base}, nil
}

func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
