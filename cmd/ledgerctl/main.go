package main

import (
	"os"

	"github.com/pterm/pterm"
)

func main() {
	pterm.Error.Prefix = pterm.Prefix{
		Text:  " ERROR ",
		Style: pterm.NewStyle(pterm.BgLightRed, pterm.FgBlack),
	}

	c := &cli{}
	err := newRootCmd(c).Execute()
	c.close()

	if err != nil {
		pterm.Error.Println(describe(err))
		os.Exit(1)
	}
}
