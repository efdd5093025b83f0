package run

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/maxgio92/xmem/internal/settings"
	"github.com/maxgio92/xmem/pkg/cmd/common"
	"github.com/maxgio92/xmem/pkg/consumer"
	"github.com/maxgio92/xmem/pkg/probe"
)

// Flags of run that are not configuration keys.
var notConfig = map[string]bool{
	configFlag:          true,
	detachFlag:          true,
	common.LogLevelFlag: true,
	"help":              true,
}

// WriteConfigReference documents the keys accepted by the run config
// file and environment, and the built-in record layouts.
func WriteConfigReference(w io.Writer, run *cobra.Command) error {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s run configuration\n\n", settings.CmdName)
	fmt.Fprintf(&b, "Every key can be set in the file passed with `--config` (YAML, JSON or TOML), ")
	fmt.Fprintf(&b, "in the environment as `%s_<KEY>` with dashes as underscores, or with the flag of the same name. ", settings.EnvPrefix)
	fmt.Fprintf(&b, "Flags win over the environment, which wins over the file.\n\n")

	b.WriteString("| key | environment | default | description |\n|---|---|---|---|\n")
	run.Flags().VisitAll(func(f *pflag.Flag) {
		if notConfig[f.Name] {
			return
		}
		env := settings.EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(f.Name, "-", "_"))
		fmt.Fprintf(&b, "| `%s` | `%s` | `%s` | %s |\n", f.Name, env, f.DefValue, f.Usage)
	})
	fmt.Fprintf(&b, "| `optional-programs` | | `%s` | Probe programs whose attach failure is tolerated |\n",
		strings.Join(probe.DefaultOptionalPrograms(), ","))
	b.WriteString("| `layouts` | | built-in | Record payload layouts, see below |\n\n")

	b.WriteString("## Layouts\n\n")
	b.WriteString("A layout maps the payload of the records carrying a discriminant to the event fields. ")
	b.WriteString("Offsets are relative to the payload start. ")
	b.WriteString("A configured `layouts` list replaces the built-in one:\n\n")
	b.WriteString("| discriminant | kind | size | fields |\n|---|---|---|---|\n")
	for _, l := range consumer.DefaultLayouts() {
		fields := make([]string, 0, len(l.Fields))
		for _, f := range l.Fields {
			fields = append(fields, fmt.Sprintf("%s@%d w%d", f.Name, f.Offset, f.Width))
		}
		fmt.Fprintf(&b, "| %d | %s | %d | %s |\n", l.Discriminant, l.Kind, l.Size, strings.Join(fields, ", "))
	}

	_, err := io.WriteString(w, b.String())

	return err
}
