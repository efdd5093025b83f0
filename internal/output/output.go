package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

func PrintRight(text string) {
	// Get terminal width.
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		width = 80
	}

	// Set padding.
	padding := width - len(text)
	if padding < 0 {
		padding = 0
	}

	fmt.Printf("\r%s%s", spaces(padding), text)
}

func spaces(n int) string {
	return fmt.Sprintf("%*s", n, "")
}

func ProgressBar(percent int, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	filled := (percent * width) / 100
	return fmt.Sprintf("%s%s",
		strings.Repeat("█", filled),
		strings.Repeat(" ", width-filled),
	)
}

// Frame is a node of a tree to print.
type Frame interface {
	Label() string
	Children() []Frame
}

// PrintTree writes the tree rooted at f, one frame per line, indented
// by depth.
func PrintTree(w io.Writer, f Frame) error {
	return printTree(w, f, 0)
}

func printTree(w io.Writer, f Frame, depth int) error {
	if _, err := fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), f.Label()); err != nil {
		return err
	}
	for _, child := range f.Children() {
		if err := printTree(w, child, depth+1); err != nil {
			return err
		}
	}

	return nil
}
