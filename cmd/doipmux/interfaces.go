package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/diagnet/doipmux/internal/config"
	"github.com/diagnet/doipmux/internal/netif"
)

func newInterfacesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "interfaces",
		Short: "List the IPv4 interfaces used for discovery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ifaces, err := netif.Enumerate(netifConfig(cfg))
			if err != nil {
				return err
			}
			if len(ifaces) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No usable interfaces; discovery binds 0.0.0.0 and sends to 255.255.255.255.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			_, _ = fmt.Fprintln(w, "NAME\tINDEX\tADDRESS\tBROADCAST")
			for _, iface := range ifaces {
				ones, _ := iface.Mask.Size()
				_, _ = fmt.Fprintf(w, "%s\t%d\t%s/%d\t%s\n", iface.Name, iface.Index, iface.IP, ones, iface.Broadcast())
			}
			return w.Flush()
		},
	}
}

// netifConfig maps the discovery section onto interface enumeration settings.
func netifConfig(cfg *config.Config) netif.Config {
	nc := netif.DefaultConfig()
	nc.IgnoreInterfaces = cfg.Discovery.IgnoreInterfaces
	return nc
}
