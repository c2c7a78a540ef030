package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

// render prints v as indented JSON when --json is set, otherwise calls human.
func (g *globalFlags) render(cmd *cobra.Command, v any, human func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if g.jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w)
	return nil
}

func rule(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("-", 60))
}
