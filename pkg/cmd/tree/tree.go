package tree

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/maxgio92/xmem/internal/output"
	"github.com/maxgio92/xmem/internal/settings"
	"github.com/maxgio92/xmem/pkg/cmd/common"
	"github.com/maxgio92/xmem/pkg/history"
	"github.com/maxgio92/xmem/pkg/server"
)

const (
	CmdName = "tree"

	outputText = "text"
	outputJSON = "json"
)

func NewCommand(o *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   CmdName,
		Short: "Print the live allocation call-tree",
		Long: fmt.Sprintf(`
%s queries a running profiler and prints the call paths still holding memory.
Each frame shows its live bytes and, in parentheses, the page cache share of them.
`, CmdName),
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		RunE:              o.Run,
	}

	cmd.Flags().StringVar(&o.serverURL, "server", settings.ServerURL, "URL of the profiler report server")
	cmd.Flags().Uint64VarP(&o.threshold, "threshold", "t", 0, "Hide the frames holding less than threshold bytes")
	cmd.Flags().StringVarP(&o.output, "output", "o", outputText, "Output format (text, json)")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, _ []string) error {
	var err error
	o.Logger, err = common.SetupLogger(cmd, o.Logger)
	if err != nil {
		return err
	}
	if o.output != outputText && o.output != outputJSON {
		return errors.Errorf("unknown output format %q", o.output)
	}

	report, err := server.NewClient(o.serverURL).Tree(cmd.Context(), o.threshold)
	if err != nil {
		return errors.Wrap(err, "failed to get call-tree")
	}
	o.Logger.Debug().Uint64("value", report.Value).Msg("call-tree received")

	if o.output == outputJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	return output.PrintTree(cmd.OutOrStdout(), frame(report))
}

// frame adapts a FrameReport to the printable tree.
type frame history.FrameReport

func (f frame) Label() string {
	label := fmt.Sprintf("%s %s", f.Symbol, output.HumanBytes(f.Value))
	if f.CacheValue > 0 {
		label += fmt.Sprintf(" (cache %s)", output.HumanBytes(f.CacheValue))
	}

	return label
}

func (f frame) Children() []output.Frame {
	children := make([]output.Frame, 0, len(f.Frames))
	for _, child := range f.Frames {
		children = append(children, frame(child))
	}

	return children
}
