package status

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/maxgio92/xmem/internal/output"
	"github.com/maxgio92/xmem/internal/settings"
	"github.com/maxgio92/xmem/pkg/cmd/common"
	"github.com/maxgio92/xmem/pkg/event"
	"github.com/maxgio92/xmem/pkg/server"
)

func NewCommand(o *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "status",
		Short:             fmt.Sprintf("Check the %s profiler status", settings.CmdName),
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Run:               o.Run,
	}
	cmd.Flags().StringVar(&o.serverURL, "server", settings.ServerURL, "URL of the profiler report server")

	return cmd
}

func (o *Options) Run(cmd *cobra.Command, _ []string) {
	out := cmd.OutOrStdout()

	pid, err := common.ReadPid()
	if err != nil || !common.IsDaemonRunning() {
		fmt.Fprintf(out, "%s is not running\n", settings.CmdName)
		return
	}
	fmt.Fprintf(out, "%s is running (PID %d)\n", settings.CmdName, pid)

	stats, err := server.NewClient(o.serverURL).Stats(cmd.Context())
	if err != nil {
		o.Logger.Debug().Err(err).Msg("failed to query profiler stats")
		return
	}
	printStats(out, stats)
}

func printStats(w io.Writer, stats server.StatsResponse) {
	fmt.Fprintf(w, "tracked PID: %d\n", stats.Pid)
	fmt.Fprintf(w, "events: %d, dropped: %d, lost: %d, inconsistencies: %d\n",
		stats.Events, stats.Dropped, stats.Lost, stats.Inconsistencies)
	for c := event.Category(0); c < event.NumCategories; c++ {
		if c == event.CategoryRss {
			continue
		}
		cs := stats.Categories[c.String()]
		fmt.Fprintf(w, "%-10s %10s in %d allocations\n", c.String()+":", output.HumanBytes(cs.Live), cs.Allocations)
	}
	var rss uint64
	for _, v := range stats.Rss {
		rss += v
	}
	fmt.Fprintf(w, "%-10s %10s\n", "rss:", output.HumanBytes(rss))
}
