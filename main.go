package main

import (
	"github.com/maxgio92/xmem/internal/settings"
	"github.com/maxgio92/xmem/pkg/cmd"
)

func main() {
	cmd.Execute(nil, settings.ObjectPath)
}
