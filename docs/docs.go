//go:build docs

package main

import (
	"fmt"
	"os"
	"path"

	log "github.com/rs/zerolog"
	"github.com/spf13/cobra/doc"

	"github.com/maxgio92/xmem/pkg/cmd"
	runcmd "github.com/maxgio92/xmem/pkg/cmd/run"
)

const (
	docsDir    = "docs"
	configFile = "configuration.md"
)

func main() {
	root := cmd.NewCommand(
		cmd.NewOptions(
			cmd.WithLogger(log.New(os.Stderr).Level(log.InfoLevel)),
		),
	)

	// The pages reference each other within docs.
	if err := doc.GenMarkdownTreeCustom(root, docsDir,
		func(string) string { return "" },
		func(filename string) string { return filename },
	); err != nil {
		fail(err)
	}

	run, _, err := root.Find([]string{"run"})
	if err != nil {
		fail(err)
	}

	f, err := os.Create(path.Join(docsDir, configFile))
	if err != nil {
		fail(err)
	}
	defer f.Close()

	if err := runcmd.WriteConfigReference(f, run); err != nil {
		fail(err)
	}
}

func fail(err error) {
	fmt.Println(err)
	os.Exit(1)
}
