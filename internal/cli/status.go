package cli

import (
	"fmt"

	"github.com/mesh-intelligence/mirror/internal/sqlite"
	"github.com/mesh-intelligence/mirror/pkg/types"
	"github.com/spf13/cobra"
)

type statusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

func newStatusCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show stored item counts per status",
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

			counts, err := sqlite.Items(g).CountByStatus(cmd.Context())
			if err != nil {
				return sysError("%s", err)
			}

			out := make([]statusCount, 0, len(counts))
			total := 0
			for _, st := range types.Statuses() {
				if n := counts[st.String()]; n > 0 {
					out = append(out, statusCount{Status: st.String(), Count: n})
					total += n
				}
			}
			if f.jsonMode {
				return writeJSON(cmd, map[string]any{
					"database": s.Store.Path,
					"total":    total,
					"statuses": out,
				})
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "database: %s\n", s.Store.Path)
			for _, c := range out {
				fmt.Fprintf(w, "%-12s %d\n", c.Status, c.Count)
			}
			fmt.Fprintf(w, "%-12s %d\n", "Total", total)
			return nil
		},
	}
}
