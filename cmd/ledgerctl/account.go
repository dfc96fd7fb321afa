package main

import (
	"fmt"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/money"
	"github.com/spf13/cobra"
)

type openFlags struct {
	Owner     int64
	Currency  string
	Balance   string
	Overdraft string
}

func newAccountCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "account",
		Aliases: []string{"acc"},
		Short:   "Open and manage accounts",
	}

	cmd.AddCommand(newAccountOpenCmd(c))
	cmd.AddCommand(newAccountShowCmd(c))
	cmd.AddCommand(newAccountListCmd(c))
	cmd.AddCommand(newStatusCmd(c, "suspend", "Suspend an account"))
	cmd.AddCommand(newStatusCmd(c, "activate", "Reactivate a suspended account"))
	cmd.AddCommand(newStatusCmd(c, "close", "Close a zero-balance account"))
	return cmd
}

func newAccountOpenCmd(c *cli) *cobra.Command {
	flags := &openFlags{}

	cmd := &cobra.Command{
		Use:   "open",
		Short: "Open a new account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}

			acc, err := a.Accounts.OpenAccount(cmd.Context(), models.OpenAccountRequest{
				OwnerID:        flags.Owner,
				Currency:       flags.Currency,
				InitialBalance: flags.Balance,
				OverdraftLimit: flags.Overdraft,
				Actor:          c.actor(),
			})
			if err != nil {
				return err
			}

			pterm.Success.Printf("Account #%d opened\n", acc.ID)
			renderAccount(acc)
			return nil
		},
	}

	cmd.Flags().Int64VarP(&flags.Owner, "owner", "o", 0, "owner id")
	cmd.Flags().StringVar(&flags.Currency, "currency", "", "ISO 4217 currency code")
	cmd.Flags().StringVarP(&flags.Balance, "balance", "b", "", "initial balance in major units")
	cmd.Flags().StringVar(&flags.Overdraft, "overdraft", "", "overdraft limit in major units")
	cmd.MarkFlagRequired("owner")
	cmd.MarkFlagRequired("currency")

	return cmd
}

func newAccountShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an account and its balance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}

			acc, err := a.Accounts.GetAccount(cmd.Context(), id)
			if err != nil {
				return err
			}
			renderAccount(acc)
			return nil
		},
	}
}

func newAccountListCmd(c *cli) *cobra.Command {
	var owner int64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the accounts of an owner",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}

			accounts, err := a.Accounts.ListOwnerAccounts(cmd.Context(), owner)
			if err != nil {
				return err
			}

			tableData := pterm.TableData{{"ID", "Currency", "Balance", "Status"}}
			for _, acc := range accounts {
				tableData = append(tableData, []string{
					strconv.FormatInt(acc.ID, 10),
					acc.Currency,
					money.Format(acc.Balance, acc.Currency),
					colorStatus(acc.Status),
				})
			}

			pterm.DefaultSection.Printf("Accounts of owner %d", owner)
			pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()
			pterm.Info.Printf("Total: %d accounts\n", len(accounts))
			return nil
		},
	}

	cmd.Flags().Int64VarP(&owner, "owner", "o", 0, "owner id")
	cmd.MarkFlagRequired("owner")
	return cmd
}

func newStatusCmd(c *cli, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}

			var acc *models.Account
			switch action {
			case "suspend":
				acc, err = a.Accounts.Suspend(cmd.Context(), id, c.actor())
			case "activate":
				acc, err = a.Accounts.Activate(cmd.Context(), id, c.actor())
			default:
				acc, err = a.Accounts.Close(cmd.Context(), id, c.actor())
			}
			if err != nil {
				return err
			}
			pterm.Success.Printf("Account #%d is %s\n", acc.ID, acc.Status)
			return nil
		},
	}
}

func renderAccount(acc *models.Account) {
	data := pterm.TableData{
		{"Field", "Value"},
		{"ID", strconv.FormatInt(acc.ID, 10)},
		{"Owner", strconv.FormatInt(acc.OwnerID, 10)},
		{"Currency", acc.Currency},
		{"Balance", money.Format(acc.Balance, acc.Currency)},
		{"Available", money.Format(acc.Available(), acc.Currency)},
		{"Overdraft limit", money.Format(acc.OverdraftLimit, acc.Currency)},
		{"Status", colorStatus(acc.Status)},
		{"Version", strconv.FormatInt(acc.Version, 10)},
	}
	pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func colorStatus(s models.AccountStatus) string {
	switch s {
	case models.AccountActive:
		return pterm.Green(string(s))
	case models.AccountSuspended:
		return pterm.Yellow(string(s))
	default:
		return pterm.Gray(string(s))
	}
}

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}
