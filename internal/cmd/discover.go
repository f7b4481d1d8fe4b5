package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/rudransh-shrivastava/peer-drop/internal/discovery"
	"github.com/spf13/cobra"
)

var (
	discoverGroup   string
	discoverMDNS    bool
	discoverPort    int
	discoverTarget  string
	discoverTimeout time.Duration
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "list peer-drop hosts on the local network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), discoverTimeout)
		defer cancel()

		var (
			peers []discovery.Peer
			err   error
		)
		if discoverMDNS {
			peers, err = discovery.Browse(ctx)
		} else {
			target := discoverTarget
			if target == "" {
				target = net.JoinHostPort(discoverGroup, strconv.Itoa(discoverPort))
			}
			peers, err = discovery.Discover(ctx, discovery.DiscoverConfig{
				Logger: log,
				Target: target,
			})
		}
		if err != nil {
			return err
		}

		if len(peers) == 0 {
			fmt.Println("no hosts found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tADDRESS")
		for _, p := range peers {
			fmt.Fprintf(w, "%s\t%s\n", p.Name, p.ControlAddr())
		}
		return w.Flush()
	},
}

func init() {
	f := discoverCmd.Flags()
	f.StringVar(&discoverGroup, "group", discovery.DefaultGroup, "discovery multicast group")
	f.IntVar(&discoverPort, "port", discovery.DefaultPort, "discovery port")
	f.StringVar(&discoverTarget, "target", "", "send requests to this host:port instead of the group")
	f.DurationVar(&discoverTimeout, "timeout", 3*time.Second, "how long to collect answers")
	f.BoolVar(&discoverMDNS, "mdns", false, "browse mDNS instead of the multicast protocol")
}
