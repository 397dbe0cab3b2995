package commands

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkontrol/hkpair"
)

func discoverCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "discover",
		Short: "Browse for accessories on the local network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			return hkpair.Discover(ctx, func(d hkpair.DiscoveredDevice) {
				status := "unpaired"
				if d.Paired {
					status = "paired"
				}
				fmt.Printf("%s\t%s\t%s\t%s\n", d.Id, d.Name, status, strings.Join(d.Addrs, ","))
			}, nil)
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "browse duration")
	return cmd
}
