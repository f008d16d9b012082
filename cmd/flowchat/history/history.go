package historycmder

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/flowchat/cmd/flowchat/app"
	"github.com/papercomputeco/flowchat/pkg/config"
	"github.com/papercomputeco/flowchat/pkg/conversation"
	"github.com/papercomputeco/flowchat/pkg/logger"
	"github.com/papercomputeco/flowchat/pkg/transcript"
)

const historyLongDesc string = `Show recorded transcripts.

Without arguments, lists every recorded conversation by the hash of its last
turn. With a hash (or a unique prefix of one), prints that conversation from
the first turn on.

Examples:
  flowchat history --db transcripts.sqlite
  flowchat history --db transcripts.sqlite 3f2a9c`

const historyShortDesc string = "Show recorded transcripts"

const (
	previewLen   = 60
	shortHashLen = 12
)

type historyCommander struct {
	dbPath string
}

func NewHistoryCmd() *cobra.Command {
	cmder := &historyCommander{}

	cmd := &cobra.Command{
		Use:   "history [hash]",
		Short: historyShortDesc,
		Long:  historyLongDesc,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args)
		},
	}

	cmd.Flags().StringVar(&cmder.dbPath, "db", "", "Path to the transcript SQLite database (default: from config)")

	return cmd
}

func (c *historyCommander) run(ctx context.Context, cmd *cobra.Command, args []string) error {
	dbPath := c.dbPath
	if dbPath == "" {
		cfg, _, err := app.LoadSettings(cmd)
		if err != nil {
			return err
		}
		dbPath = cfg.DBPath
	}
	if dbPath == "" {
		return fmt.Errorf("no transcript database configured: pass --db or set %s", config.EnvDBPath)
	}

	storer, err := transcript.NewSQLiteStorer(dbPath)
	if err != nil {
		return fmt.Errorf("could not open transcript database %s: %w", dbPath, err)
	}
	defer storer.Close()

	if len(args) == 0 {
		return listTranscripts(ctx, cmd.OutOrStdout(), storer)
	}

	hash, err := resolveHash(ctx, storer, args[0])
	if err != nil {
		return err
	}
	return printTranscript(ctx, cmd.OutOrStdout(), storer, hash)
}

func listTranscripts(ctx context.Context, out io.Writer, storer transcript.Storer) error {
	leaves, err := storer.Leaves(ctx)
	if err != nil {
		return fmt.Errorf("could not list transcripts: %w", err)
	}
	if len(leaves) == 0 {
		fmt.Fprintln(out, "No transcripts recorded.")
		return nil
	}

	for _, leaf := range leaves {
		nodes, err := transcript.History(ctx, storer, leaf.Hash)
		if err != nil {
			return fmt.Errorf("could not load transcript %s: %w", leaf.Hash, err)
		}
		fmt.Fprintf(out, "%s  %3d turns  %s\n", shortHash(leaf.Hash), len(nodes), logger.Truncate(nodes[0].Turn.Content, previewLen))
	}
	return nil
}

// shortHash abbreviates hash for listings. Hashes from a damaged database
// may be shorter than the abbreviation.
func shortHash(hash string) string {
	if len(hash) <= shortHashLen {
		return hash
	}
	return hash[:shortHashLen]
}

func printTranscript(ctx context.Context, out io.Writer, storer transcript.Storer, hash string) error {
	nodes, err := transcript.History(ctx, storer, hash)
	if err != nil {
		return fmt.Errorf("could not load transcript %s: %w", hash, err)
	}

	for _, n := range nodes {
		label := "You"
		if n.Turn.Role == conversation.RoleBot {
			label = "Assistant"
		}
		fmt.Fprintf(out, "%s: %s\n", label, n.Turn.Content)
	}
	return nil
}

// resolveHash expands a unique hash prefix to the full hash of a stored turn.
func resolveHash(ctx context.Context, storer transcript.Storer, prefix string) (string, error) {
	if ok, err := storer.Has(ctx, prefix); err != nil {
		return "", err
	} else if ok {
		return prefix, nil
	}

	nodes, err := storer.List(ctx)
	if err != nil {
		return "", fmt.Errorf("could not list turns: %w", err)
	}

	var match string
	for _, n := range nodes {
		if strings.HasPrefix(n.Hash, prefix) {
			if match != "" {
				return "", fmt.Errorf("hash prefix %s is ambiguous", prefix)
			}
			match = n.Hash
		}
	}
	if match == "" {
		return "", transcript.ErrNotFound{Hash: prefix}
	}
	return match, nil
}
