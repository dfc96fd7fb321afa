package main

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pterm/pterm"
	"github.com/ruralpay/ledger/internal/models"
	"github.com/ruralpay/ledger/internal/money"
	"github.com/spf13/cobra"
)

type transferFlags struct {
	From        int64
	To          int64
	Amount      string
	Currency    string
	Key         string
	Description string
	Reference   string
}

func newTransferCmd(c *cli) *cobra.Command {
	flags := &transferFlags{}

	cmd := &cobra.Command{
		Use:   "transfer",
		Short: "Move money between two accounts",
		Long: `Move money between two accounts of the same currency.
Re-running with the same --key returns the original result instead of posting twice.
Without --key a random key is generated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}

			key := flags.Key
			if key == "" {
				key = uuid.NewString()
			}

			result, err := a.Ledger.Transfer(cmd.Context(), models.TransferRequest{
				FromAccountID:  flags.From,
				ToAccountID:    flags.To,
				Amount:         flags.Amount,
				Currency:       flags.Currency,
				IdempotencyKey: key,
				Description:    flags.Description,
				ReferenceID:    flags.Reference,
				Actor:          c.actor(),
			})
			if err != nil {
				return err
			}

			if result.Replayed {
				pterm.Info.Printf("Key %q was already used, showing the original transfer\n", key)
			} else {
				pterm.Success.Printf("Transaction #%d completed\n", result.TransactionID)
			}
			pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
				{"Transaction", "From", "To", "Amount", "Status", "Key"},
				{
					strconv.FormatInt(result.TransactionID, 10),
					strconv.FormatInt(result.FromAccountID, 10),
					strconv.FormatInt(result.ToAccountID, 10),
					result.Amount + " " + result.Currency,
					string(result.Status),
					key,
				},
			}).Render()
			return nil
		},
	}

	cmd.Flags().Int64Var(&flags.From, "from", 0, "source account id")
	cmd.Flags().Int64Var(&flags.To, "to", 0, "destination account id")
	cmd.Flags().StringVarP(&flags.Amount, "amount", "a", "", "amount in major units, e.g. 12.50")
	cmd.Flags().StringVar(&flags.Currency, "currency", "", "ISO 4217 currency code")
	cmd.Flags().StringVarP(&flags.Key, "key", "k", "", "idempotency key")
	cmd.Flags().StringVarP(&flags.Description, "description", "d", "", "free-form description")
	cmd.Flags().StringVarP(&flags.Reference, "reference", "r", "", "external reference id")
	for _, name := range []string{"from", "to", "amount", "currency"} {
		cmd.MarkFlagRequired(name)
	}

	return cmd
}

func newReverseCmd(c *cli) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "reverse <transaction-id>",
		Short: "Reverse a completed transaction",
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

			result, err := a.Reversals.Reverse(cmd.Context(), models.ReverseRequest{
				TransactionID: id,
				Reason:        reason,
				Actor:         c.actor(),
			})
			if err != nil {
				return err
			}

			pterm.Success.Printf("Transaction #%d reversed by #%d (%s %s)\n",
				result.ReversedTransactionID, result.NewTransactionID, result.Amount, result.Currency)
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the transaction is reversed")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func newTransactionCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "transaction",
		Aliases: []string{"tx"},
		Short:   "Inspect transactions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a transaction and its entries",
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

			detail, err := a.Ledger.GetTransaction(cmd.Context(), id)
			if err != nil {
				return err
			}
			renderTransaction(detail)
			return nil
		},
	})

	var limit, offset int
	history := &cobra.Command{
		Use:   "history <account-id>",
		Short: "List the transactions of an account, newest first",
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

			txs, err := a.Accounts.History(cmd.Context(), id, limit, offset)
			if err != nil {
				return err
			}

			tableData := pterm.TableData{{"ID", "Type", "From", "To", "Amount", "Status", "Created"}}
			for _, t := range txs {
				tableData = append(tableData, []string{
					strconv.FormatInt(t.ID, 10),
					string(t.Type),
					strconv.FormatInt(t.FromAccountID, 10),
					strconv.FormatInt(t.ToAccountID, 10),
					money.Format(t.Amount, t.Currency) + " " + t.Currency,
					string(t.Status),
					t.CreatedAt.Format(time.DateTime),
				})
			}
			pterm.DefaultSection.Printf("Account #%d", id)
			pterm.DefaultTable.WithHasHeader().WithData(tableData).Render()
			return nil
		},
	}
	history.Flags().IntVarP(&limit, "limit", "l", 20, "maximum rows")
	history.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	cmd.AddCommand(history)

	return cmd
}

func renderTransaction(detail *models.TransactionDetail) {
	t := detail.Transaction

	pterm.DefaultSection.Println("Transaction Info")
	info := pterm.TableData{
		{"Field", "Value"},
		{"ID", strconv.FormatInt(t.ID, 10)},
		{"Type", string(t.Type)},
		{"Status", string(t.Status)},
		{"Amount", money.Format(t.Amount, t.Currency) + " " + t.Currency},
		{"Idempotency key", t.IdempotencyKey},
		{"Reference", t.ReferenceID},
		{"Description", t.Description},
		{"Created", t.CreatedAt.Format(time.RFC3339)},
	}
	if t.ReversesID != nil {
		info = append(info, []string{"Reverses", strconv.FormatInt(*t.ReversesID, 10)})
	}
	pterm.DefaultTable.WithHasHeader().WithData(info).Render()

	pterm.DefaultSection.Println("Entries (Double-Entry)")
	entries := pterm.TableData{{"Account", "Debit", "Credit"}}
	for _, e := range detail.Entries {
		amount := money.Format(e.Amount, e.Currency)
		if e.Type == models.EntryDebit {
			entries = append(entries, []string{strconv.FormatInt(e.AccountID, 10), pterm.Red(amount), ""})
		} else {
			entries = append(entries, []string{strconv.FormatInt(e.AccountID, 10), "", pterm.Green(amount)})
		}
	}
	pterm.DefaultTable.WithHasHeader().WithData(entries).Render()
}
