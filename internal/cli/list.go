package cli

import (
	"fmt"
	"strings"

	"github.com/borud/tunneler"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the tunnels and the hop chains they resolve to, without connecting",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, logger, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		path, err := s.ResolveTunnelsFile(tunnelsFile)
		if err != nil {
			return err
		}

		t, err := tunneler.NewFromFile(path, s.Options(logger)...)
		if err != nil {
			return err
		}
		defer t.Close()

		printConnections(cmd, t.Connections())
		return nil
	},
}

func printConnections(cmd *cobra.Command, conns []*tunneler.TunnelConnection) {
	out := cmd.OutOrStdout()
	for _, conn := range conns {
		fmt.Fprintf(out, "%s\n", conn.Path())
		fmt.Fprintf(out, "  chain: %s\n", strings.Join(chain(conn.Endpoint()), " -> "))
		for _, fwd := range conn.Forwards() {
			fmt.Fprintf(out, "  %s => %s\n", fwd.LocalAddr(), fwd.DestAddr())
		}
	}
}

// chain lists the hops from the first to s.
func chain(s *tunneler.Session) []string {
	var hops []string
	for n := s; n != nil; n = n.Proxy() {
		hops = append([]string{n.Hop().String()}, hops...)
	}
	return hops
}
