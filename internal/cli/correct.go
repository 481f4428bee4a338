package cli

import (
	"fmt"

	"github.com/mesh-intelligence/mirror/internal/exporter"
	"github.com/mesh-intelligence/mirror/internal/sqlite"
	"github.com/mesh-intelligence/mirror/pkg/types"
	"github.com/spf13/cobra"
)

func newCorrectCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "correct",
		Short: "Apply the exit corrections to the store",
		Long: "Mark items recorded as downloading as stalled and zero all peer counters,\n" +
			"as run does on shutdown. Use after a crash.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(f)
			if err != nil {
				return userError("%s", err)
			}
			g, err := sqlite.Open(cmd.Context(), s.Store, nil)
			if err != nil {
				return sysError("open storage: %s", err)
			}
			defer g.Close()

			exp := exporter.New(g, exporter.Options{
				BaseDelay: s.Store.BaseDelay,
				MaxDelay:  s.Store.MaxDelay,
				Preview:   types.NewPreviewable(s.Store.PreviewableExtensions),
			})
			c, err := exp.Correct(cmd.Context())
			if err != nil {
				return sysError("%s", err)
			}
			if f.jsonMode {
				return writeJSON(cmd, c)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stalled: %d\npeers reset: %d\n", c.Stalled, c.PeersReset)
			return nil
		},
	}
}
