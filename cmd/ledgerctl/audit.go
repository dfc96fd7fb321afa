package main

import (
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/spf13/cobra"
)

func newAuditCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show audit history",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "transaction <id>",
		Short: "Audit rows written by one transaction",
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

			logs, err := a.Ledger.TransactionAudit(cmd.Context(), id)
			if err != nil {
				return err
			}
			renderAudit(logs)
			return nil
		},
	})

	var limit, offset int
	account := &cobra.Command{
		Use:   "account <id>",
		Short: "Audit rows of one account, newest first",
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

			logs, err := a.Accounts.AccountAudit(cmd.Context(), id, limit, offset)
			if err != nil {
				return err
			}
			renderAudit(logs)
			return nil
		},
	}
	account.Flags().IntVarP(&limit, "limit", "l", 50, "maximum rows")
	account.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	cmd.AddCommand(account)

	return cmd
}

func renderAudit(logs []models.AuditLog) {
	tableData := pterm.TableData{{"ID", "Account", "Action", "Before", "After", "Actor", "At"}}
	for _, l := range logs {
		tableData = append(tableData, []string{
			strconv.FormatInt(l.ID, 10),
			strconv.FormatInt(l.AccountID, 10),
			l.Action,
			strconv.FormatInt(l.BalanceBefore, 10),
			strconv.FormatInt(l.BalanceAfter, 10),
			l.Actor.ID,
			l.CreatedAt.Format(time.DateTime),
		})
	}
	pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()
	pterm.Info.Printf("Total: %d rows\n", len(logs))
}
