package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/transfer"
	"github.com/spf13/cobra"
)

var pingCount int

var pingCmd = &cobra.Command{
	Use:   "ping host:port",
	Short: "check that a host's control channel answers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), transfer.DefaultHandshakeTimeout+time.Duration(pingCount)*time.Second)
		defer cancel()

		client, err := transfer.NewClient(transfer.ClientConfig{
			Logger:   log,
			PeerAddr: args[0],
		})
		if err != nil {
			return err
		}
		defer func() { _ = client.Shutdown() }()

		if err := client.Connect(ctx); err != nil {
			return err
		}

		for i := 0; i < pingCount; i++ {
			rtt, err := client.Ping(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("pong from %s: time=%s\n", args[0], rtt.Round(time.Microsecond))
			if i < pingCount-1 {
				time.Sleep(time.Second)
			}
		}
		return nil
	},
}

func init() {
	pingCmd.Flags().IntVarP(&pingCount, "count", "c", 1, "number of pings")
}
