package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rudransh-shrivastava/peer-drop/internal/node"
	"github.com/rudransh-shrivastava/peer-drop/internal/task"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var sendCmd = &cobra.Command{
	Use:   "send host:port file",
	Short: "send a file to a listening host",
	Long:  `sends a file to the control address of a host running "peer-drop listen", as printed by "peer-drop discover"`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg := node.DefaultConfig()
		cfg.ControlAddr = ":0"
		cfg.HistoryPath = historyPath
		cfg.Logger = log

		n, err := node.New(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = n.Shutdown() }()

		h, err := n.Send(args[0], args[1])
		if err != nil {
			return err
		}

		bar := progressbar.NewOptions(100,
			progressbar.OptionSetDescription(filepath.Base(args[1])),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowElapsedTimeOnFinish(),
		)

		for {
			select {
			case ev, ok := <-h.Events():
				if !ok {
					return h.Err()
				}
				switch ev.Type {
				case task.EventProgress:
					_ = bar.Set(ev.Percent)
				case task.EventFinished:
					_ = bar.Finish()
					fmt.Fprintln(os.Stderr)
				case task.EventFailed:
					_ = bar.Exit()
					fmt.Fprintln(os.Stderr)
				}
			case <-ctx.Done():
				_ = bar.Exit()
				return ctx.Err()
			}
		}
	},
}
