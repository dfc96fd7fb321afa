package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode"

	"github.com/pterm/pterm"
	"github.com/ruralpay/ledger/internal/app"
	"github.com/ruralpay/ledger/internal/config"
	"github.com/ruralpay/ledger/internal/logger"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/services"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// cli holds state shared by every command of one invocation. The ledger
// is only opened by commands that need it.
type cli struct {
	cfgFile string
	cfg     *config.Config
	log     *logrus.Logger
	ledger  *app.App
}

func (c *cli) loadConfig() error {
	if c.cfg != nil {
		return nil
	}
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return err
	}
	c.cfg = cfg

	logCfg := cfg.Log
	logCfg.Format = "text"
	if os.Getenv("LOG_LEVEL") == "" {
		logCfg.Level = "warn"
	}
	c.log = logger.New(logCfg)
	return nil
}

func (c *cli) open(ctx context.Context) (*app.App, error) {
	if c.ledger != nil {
		return c.ledger, nil
	}
	a, err := app.New(ctx, c.cfg, c.log)
	if err != nil {
		return nil, err
	}
	c.ledger = a
	return a, nil
}

func (c *cli) close() {
	if c.ledger == nil {
		return
	}
	if err := c.ledger.Close(context.Background()); err != nil {
		pterm.Warning.Println(err)
	}
	c.ledger = nil
}

func (c *cli) actor() models.Actor {
	id := "ledgerctl"
	if u := os.Getenv("USER"); u != "" {
		id += ":" + u
	}
	return models.Actor{ID: id, UserAgent: "ledgerctl"}
}

func newRootCmd(c *cli) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "ledgerctl operates a ledger database",
		Long:          `ledgerctl runs migrations, opens accounts and posts transfers and reversals directly against the ledger.`,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.loadConfig()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", "", "set the config file path")

	rootCmd.AddCommand(newMigrateCmd(c))
	rootCmd.AddCommand(newAccountCmd(c))
	rootCmd.AddCommand(newTransferCmd(c))
	rootCmd.AddCommand(newReverseCmd(c))
	rootCmd.AddCommand(newTransactionCmd(c))
	rootCmd.AddCommand(newAuditCmd(c))

	return rootCmd
}

// describe renders err for the terminal, naming the ledger error kind and
// any per-field details.
func describe(err error) string {
	var e *services.Error
	if !errors.As(err, &e) {
		return capitalize(err.Error())
	}

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, capitalize(e.Error()))
	for field, msg := range e.Fields {
		fmt.Fprintf(&b, "\n  %s: %s", field, msg)
	}
	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
