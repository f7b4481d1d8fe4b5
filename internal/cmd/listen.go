package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rudransh-shrivastava/peer-drop/internal/node"
	"github.com/rudransh-shrivastava/peer-drop/internal/task"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var listenCfg = node.DefaultConfig()

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "answer discovery and receive files",
	Long:  `runs a peer-drop host that answers discovery requests and accepts incoming files into the download directory`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		cfg := listenCfg
		cfg.HistoryPath = historyPath
		cfg.Logger = log
		cfg.OnReady = watchTask

		n, err := node.New(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = n.Shutdown() }()

		log.WithFields(logrus.Fields{
			"name":    n.Name(),
			"control": n.ControlPort(),
			"dir":     cfg.DownloadDir,
		}).Info("Listening for files")

		return n.Run(ctx)
	},
}

// watchTask logs the progress of a receive task in quarter steps.
func watchTask(h *task.Handle) {
	snap := h.Snapshot()
	if snap.Kind != task.KindReceive {
		return
	}

	go func() {
		next := 25
		for ev := range h.Events() {
			if ev.Type == task.EventProgress && ev.Percent >= next && ev.Percent < 100 {
				log.WithFields(logrus.Fields{"task": ev.TaskID, "file": snap.FileName}).Infof("%d%% received", ev.Percent)
				for next <= ev.Percent {
					next += 25
				}
			}
		}
	}()
}

func init() {
	f := listenCmd.Flags()
	f.StringVar(&listenCfg.Name, "name", listenCfg.Name, "name announced to discovering hosts")
	f.IntVar(&listenCfg.DiscoveryPort, "port", listenCfg.DiscoveryPort, "discovery port")
	f.StringVar(&listenCfg.DiscoveryGroup, "group", listenCfg.DiscoveryGroup, "discovery multicast group")
	f.StringVar(&listenCfg.ControlAddr, "control", listenCfg.ControlAddr, "control channel listen address")
	f.StringVar(&listenCfg.DownloadDir, "dir", listenCfg.DownloadDir, "directory received files are written to")
	f.IntVar(&listenCfg.PoolSize, "max-transfers", listenCfg.PoolSize, "maximum concurrent transfers")
	f.BoolVar(&listenCfg.MDNS, "mdns", false, "also advertise over mDNS")
	f.DurationVar(&listenCfg.AcceptTimeout, "accept-timeout", listenCfg.AcceptTimeout, "how long to wait for a sender to connect to the data port")
}
