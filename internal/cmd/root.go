package cmd

import (
	"os"

	"github.com/rudransh-shrivastava/peer-drop/internal/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	historyPath string
	logLevel    string
	log         = logger.NewLogger()
)

var rootCmd = &cobra.Command{
	Use:   "peer-drop",
	Short: "send files to hosts on the local network",
	Long: `peer-drop finds other peer-drop hosts on the local network with a multicast
request and sends them files over a dedicated QUIC connection per transfer`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		log.SetLevel(level)
		return nil
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&historyPath, "history", "peer-drop.sqlite3", "transfer history database, empty to disable")

	rootCmd.AddCommand(listenCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(historyCmd)
}
