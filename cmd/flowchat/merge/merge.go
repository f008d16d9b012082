package mergecmder

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/papercomputeco/flowchat/cmd/flowchat/app"
	"github.com/papercomputeco/flowchat/pkg/config"
	"github.com/papercomputeco/flowchat/pkg/transcript"
)

const mergeLongDesc string = `Merge transcript databases recorded by other flowchat instances.

Every turn is identified by the hash of its content and of the turn before
it, so the same conversation recorded by two replicas collapses into one
chain and only turns the target lacks are added. Turns whose hash does not
match their content are skipped. Parents are copied before their children,
so an interrupted merge never leaves a turn without its history.

Examples:
  flowchat merge replica1.sqlite replica2.sqlite
  flowchat merge --db /tmp/merged.sqlite ~/alice/transcripts.sqlite ~/bob/transcripts.sqlite`

const mergeShortDesc string = "Merge transcript databases"

type mergeCommander struct {
	dbPath string
}

// mergeResult counts what happened to the turns of one source.
type mergeResult struct {
	added   int
	present int
	invalid int
}

func NewMergeCmd() *cobra.Command {
	cmder := &mergeCommander{}

	cmd := &cobra.Command{
		Use:   "merge <source.sqlite>...",
		Short: mergeShortDesc,
		Long:  mergeLongDesc,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd.Context(), cmd, args)
		},
	}

	cmd.Flags().StringVar(&cmder.dbPath, "db", "", "Path to the target transcript database (default: from config)")

	return cmd
}

func (c *mergeCommander) run(ctx context.Context, cmd *cobra.Command, sources []string) error {
	targetPath := c.dbPath
	if targetPath == "" {
		cfg, _, err := app.LoadSettings(cmd)
		if err != nil {
			return err
		}
		targetPath = cfg.DBPath
	}
	if targetPath == "" {
		return fmt.Errorf("no target database: pass --db or set %s", config.EnvDBPath)
	}

	target, err := transcript.NewSQLiteStorer(targetPath)
	if err != nil {
		return fmt.Errorf("could not open target database %s: %w", targetPath, err)
	}
	defer target.Close()

	out := cmd.OutOrStdout()
	var total mergeResult

	for _, srcPath := range sources {
		res, err := mergeFrom(ctx, target, srcPath)
		if err != nil {
			return err
		}
		total.added += res.added
		total.present += res.present
		total.invalid += res.invalid

		fmt.Fprintf(out, "  %s: %d new, %d already existed", srcPath, res.added, res.present)
		if res.invalid > 0 {
			fmt.Fprintf(out, ", %d failed verification", res.invalid)
		}
		fmt.Fprintln(out)
	}

	leaves, err := target.Leaves(ctx)
	if err != nil {
		return fmt.Errorf("could not count transcripts in %s: %w", targetPath, err)
	}

	fmt.Fprintf(out, "Merged %d new turns from %d sources (%d already existed) into %s, now holding %d transcripts\n",
		total.added, len(sources), total.present, targetPath, len(leaves))
	if total.invalid > 0 {
		fmt.Fprintf(out, "Skipped %d turns whose hash did not match their content\n", total.invalid)
	}

	return nil
}

// mergeFrom copies the verified turns of srcPath into target, parents first.
func mergeFrom(ctx context.Context, target transcript.Storer, srcPath string) (mergeResult, error) {
	var res mergeResult

	source, err := transcript.NewSQLiteStorer(srcPath)
	if err != nil {
		return res, fmt.Errorf("could not open source database %s: %w", srcPath, err)
	}
	defer source.Close()

	nodes, err := source.List(ctx)
	if err != nil {
		return res, fmt.Errorf("could not list turns from %s: %w", srcPath, err)
	}

	for _, n := range transcript.ParentFirst(nodes) {
		if !n.Verify() {
			res.invalid++
			continue
		}

		isNew, err := target.Put(ctx, n)
		if err != nil {
			return res, fmt.Errorf("could not copy turn %s from %s: %w", n.Hash, srcPath, err)
		}
		if isNew {
			res.added++
		} else {
			res.present++
		}
	}
	return res, nil
}
