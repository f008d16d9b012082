package pushcmder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/flowchat/cmd/flowchat/app"
	"github.com/papercomputeco/flowchat/pkg/config"
	"github.com/papercomputeco/flowchat/pkg/transcript"
	"github.com/papercomputeco/flowchat/server"
)

const pushLongDesc string = `Push local transcripts to a remote flowchat server.

Reads every recorded turn from the local transcript database and uploads
it to the /api/transcripts/nodes endpoint of a flowchat server started with
a transcript database. Turns are sent parents first, in batches. The server
checks each turn's hash and skips turns it already holds, so pushing the
same database twice is harmless.

Examples:
  flowchat push http://192.168.1.42:8501
  flowchat push --db ~/transcripts.sqlite http://localhost:8501`

const pushShortDesc string = "Push transcripts to a remote server"

type pushCommander struct {
	dbPath    string
	batchSize int
}

func NewPushCmd() *cobra.Command {
	cmder := &pushCommander{}

	cmd := &cobra.Command{
		Use:   "push <server-url>",
		Short: pushShortDesc,
		Long:  pushLongDesc,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args[0])
		},
	}

	cmd.Flags().StringVar(&cmder.dbPath, "db", "", "Path to the local transcript database (default: from config)")
	cmd.Flags().IntVar(&cmder.batchSize, "batch-size", 500, "Turns per HTTP request")

	return cmd
}

func (c *pushCommander) run(ctx context.Context, cmd *cobra.Command, serverURL string) error {
	serverURL = strings.TrimRight(serverURL, "/")
	if c.batchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", c.batchSize)
	}

	dbPath := c.dbPath
	if dbPath == "" {
		cfg, _, err := app.LoadSettings(cmd)
		if err != nil {
			return err
		}
		dbPath = cfg.DBPath
	}
	if dbPath == "" {
		return fmt.Errorf("no local database: pass --db or set %s", config.EnvDBPath)
	}

	storer, err := transcript.NewSQLiteStorer(dbPath)
	if err != nil {
		return fmt.Errorf("could not open local database %s: %w", dbPath, err)
	}
	defer storer.Close()

	nodes, err := storer.List(ctx)
	if err != nil {
		return fmt.Errorf("could not list local turns: %w", err)
	}

	out := cmd.OutOrStdout()
	if len(nodes) == 0 {
		fmt.Fprintln(out, "No local turns to push.")
		return nil
	}

	// Parents go out in earlier batches than their children, so the server
	// never holds a turn without its history if the push stops halfway.
	var (
		outgoing []*transcript.Node
		skipped  int
	)
	for _, n := range transcript.ParentFirst(nodes) {
		if !n.Verify() {
			skipped++
			continue
		}
		outgoing = append(outgoing, n)
	}

	fmt.Fprintf(out, "Pushing %d turns from %s to %s\n", len(outgoing), dbPath, serverURL)
	if skipped > 0 {
		fmt.Fprintf(out, "Skipping %d local turns whose hash does not match their content\n", skipped)
	}

	var total server.PutNodesResponse

	for i := 0; i < len(outgoing); i += c.batchSize {
		end := min(i+c.batchSize, len(outgoing))

		resp, err := c.postBatch(ctx, serverURL, outgoing[i:end])
		if err != nil {
			return fmt.Errorf("push stopped after %d of %d turns: %w", i, len(outgoing), err)
		}

		total.New += resp.New
		total.Duplicate += resp.Duplicate
		total.Errors += resp.Errors
	}

	fmt.Fprintf(out, "Pushed %d new turns (%d already existed, %d errors)\n",
		total.New, total.Duplicate, total.Errors)

	return nil
}

func (c *pushCommander) postBatch(ctx context.Context, serverURL string, nodes []*transcript.Node) (*server.PutNodesResponse, error) {
	body, err := json.Marshal(nodes)
	if err != nil {
		return nil, fmt.Errorf("could not marshal turns: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL+"/api/transcripts/nodes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("could not create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("server returned %d: %s", resp.StatusCode, string(respBody))
	}

	var result server.PutNodesResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("could not decode response: %w", err)
	}

	return &result, nil
}
