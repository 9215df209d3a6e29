package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"medstaff/sdk/go/medstaff"
)

type options struct {
	url   string
	token string
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "medstaffctl",
		Short:         "Command line client for the MedStaff API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.url, "url", envOr("MEDSTAFF_URL", "http://localhost:8080"), "API base URL")
	root.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("MEDSTAFF_TOKEN"), "bearer token (or MEDSTAFF_TOKEN)")

	root.AddCommand(
		newLoginCmd(opts),
		newLeadsCmd(opts),
		newDRECmd(opts),
		newTimeCmd(opts),
		newNotificationsCmd(opts),
	)
	return root
}

func (o *options) client() (*medstaff.Client, error) {
	client, err := medstaff.NewClient(o.url, nil)
	if err != nil {
		return nil, err
	}
	if o.token != "" {
		client.SetAccessToken(o.token)
	}
	return client, nil
}

func newLoginCmd(opts *options) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:     "login",
		Short:   "Exchange credentials for an access token",
		Example: `  export MEDSTAFF_TOKEN=$(medstaffctl login -u admin -p "$ADMIN_PASSWORD")`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			token, err := client.Login(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVarP(&username, "username", "u", "", "username (required)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "password (required)")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func newLeadsCmd(opts *options) *cobra.Command {
	leads := &cobra.Command{Use: "leads", Short: "CRM pipeline commands"}

	var q medstaff.LeadQuery
	list := &cobra.Command{
		Use:   "list",
		Short: "List leads",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			page, err := client.ListLeads(cmd.Context(), q)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTAGE\tVALUE")
			for _, lead := range page.Items {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", lead.ID, lead.Name, lead.Stage, lead.ValueCents)
			}
			fmt.Fprintf(w, "\t\t%d of %d\t\n", len(page.Items), page.Total)
			return w.Flush()
		},
	}
	list.Flags().StringSliceVar(&q.Stages, "stage", nil, "filter by stage (repeatable)")
	list.Flags().StringVarP(&q.Query, "query", "q", "", "search name, company or e-mail")
	list.Flags().IntVar(&q.Limit, "limit", 50, "page size")
	list.Flags().IntVar(&q.Offset, "offset", 0, "page offset")

	var note string
	move := &cobra.Command{
		Use:   "move <lead-id> <stage>",
		Short: "Move a lead to another stage",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			lead, err := client.MoveLead(cmd.Context(), args[0], args[1], note)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now at %s\n", lead.Name, lead.Stage)
			return nil
		},
	}
	move.Flags().StringVar(&note, "note", "", "reason recorded in the history")

	leads.AddCommand(list, move)
	return leads
}

func newDRECmd(opts *options) *cobra.Command {
	var from, to string
	cmd := &cobra.Command{
		Use:   "dre",
		Short: "Print the income statement for a competence range",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if to == "" {
				to = time.Now().Format("2006-01")
			}
			if from == "" {
				from = to
			}
			client, err := opts.client()
			if err != nil {
				return err
			}
			dre, err := client.DRE(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', tabwriter.AlignRight)
			fmt.Fprintln(w, "COMPETÊNCIA\tRECEITA BRUTA\tRECEITA LÍQUIDA\tLUCRO LÍQUIDO\tMARGEM\t")
			for _, m := range dre.Months {
				writeStatementRow(w, m.Competence, m.Statement)
			}
			writeStatementRow(w, "TOTAL", dre.Total)
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "first competence month (YYYY-MM)")
	cmd.Flags().StringVar(&to, "to", "", "last competence month (YYYY-MM), defaults to the current month")
	return cmd
}

func writeStatementRow(w *tabwriter.Writer, label string, s medstaff.Statement) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t\n", label,
		s.Formatted["receita_bruta"], s.Formatted["receita_liquida"],
		s.Formatted["lucro_liquido"], s.Formatted["margem_liquida"])
}

func newTimeCmd(opts *options) *cobra.Command {
	timeCmd := &cobra.Command{Use: "time", Short: "Time tracking commands"}

	var q medstaff.TimeQuery
	irregular := &cobra.Command{
		Use:   "irregular",
		Short: "List time records flagged by the irregularity detector",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			q.OnlyIrregular = true
			page, err := client.ListTimeRecords(cmd.Context(), q)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMPLOYEE\tDATE\tSTATUS\tIRREGULARITIES")
			for _, rec := range page.Items {
				codes := make([]string, len(rec.Irregularities))
				for i, irr := range rec.Irregularities {
					codes[i] = irr.Code
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.EmployeeID, rec.Date, rec.Status, strings.Join(codes, ","))
			}
			return w.Flush()
		},
	}
	irregular.Flags().StringVar(&q.EmployeeID, "employee", "", "employee id")
	irregular.Flags().StringVar(&q.From, "from", "", "first date (YYYY-MM-DD)")
	irregular.Flags().StringVar(&q.To, "to", "", "last date (YYYY-MM-DD)")
	irregular.Flags().StringSliceVar(&q.Statuses, "status", []string{"pendente"}, "validation status")
	irregular.Flags().IntVar(&q.Limit, "limit", 100, "page size")

	var note string
	review := &cobra.Command{
		Use:   "review <record-id> <aprovado|rejeitado>",
		Short: "Approve or reject a time record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			rec, err := client.ReviewTime(cmd.Context(), args[0], args[1], note)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "record %s %s\n", rec.ID, rec.Status)
			return nil
		},
	}
	review.Flags().StringVar(&note, "note", "", "review note, required when rejecting")

	timeCmd.AddCommand(irregular, review)
	return timeCmd
}

func newNotificationsCmd(opts *options) *cobra.Command {
	var unread, markRead bool
	var limit int
	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			page, err := client.Notifications(cmd.Context(), unread, limit)
			if err != nil {
				return err
			}
			for _, n := range page.Items {
				mark := " "
				if n.ReadAt == 0 {
					mark = "*"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s\n", mark, time.Unix(n.CreatedAt, 0).Format("2006-01-02 15:04"), n.Title)
			}
			if markRead {
				marked, err := client.MarkAllNotificationsRead(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d marked as read\n", marked)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&unread, "unread", false, "only unread notifications")
	cmd.Flags().BoolVar(&markRead, "mark-read", false, "mark every notification read afterwards")
	cmd.Flags().IntVar(&limit, "limit", 20, "page size")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
