package cmd

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/store"
	"github.com/spf13/cobra"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "list recent transfers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyPath == "" {
			return errors.New("history is disabled")
		}

		db, err := store.Open(historyPath)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close(db) }()

		transfers := store.NewTransferStore(db)
		rows, err := transfers.List(cmd.Context(), historyLimit)
		if err != nil {
			return err
		}
		total, err := transfers.Count(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "FINISHED\tKIND\tSTATUS\tPEER\tFILE\tSIZE\tERROR")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s:%d\t%s\t%d\t%s\n",
				r.FinishedAt.Local().Format(time.DateTime),
				r.Kind, r.Status, r.PeerAddr, r.PeerPort, r.FileName, r.FileSize, r.Error)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Printf("%d of %d transfers\n", len(rows), total)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of transfers to show")
}
