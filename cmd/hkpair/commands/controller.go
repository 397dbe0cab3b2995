package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/hkontrol/hkpair"
)

var (
	deviceID string
	timeout  time.Duration
)

func controllerFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&deviceID, "id", "", "accessory id, e.g. CC:22:3D:E3:CE:65")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "overall timeout")
	_ = cmd.MarkFlagRequired("id")
}

// dial connects to the accessory at addr.
func dial(cmd *cobra.Command, addr string) (context.Context, *hkpair.Device, func(), error) {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	done := func() {
		cancel()
		stop()
	}

	st, err := openStore(ctx, "controller")
	if err != nil {
		done()
		return nil, nil, nil, err
	}
	c, err := hkpair.NewController(hkpair.ControllerConfig{Store: st})
	if err != nil {
		done()
		return nil, nil, nil, err
	}
	d, err := c.Dial(ctx, deviceID, addr)
	if err != nil {
		done()
		return nil, nil, nil, err
	}
	return ctx, d, func() {
		d.Close()
		done()
	}, nil
}

// dialVerified connects to addr and runs pair-verify.
func dialVerified(cmd *cobra.Command, addr string) (context.Context, *hkpair.Device, func(), error) {
	ctx, d, done, err := dial(cmd, addr)
	if err != nil {
		return nil, nil, nil, err
	}
	if _, err := d.PairVerify(ctx); err != nil {
		done()
		return nil, nil, nil, err
	}
	return ctx, d, done, nil
}

func pairCmd() *cobra.Command {
	var pin string
	cmd := &cobra.Command{
		Use:   "pair <addr>",
		Short: "Pair with an accessory using its setup code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, d, done, err := dial(cmd, args[0])
			if err != nil {
				return err
			}
			defer done()
			p, err := d.PairSetup(ctx, hkpair.NormalizePin(pin))
			if err != nil {
				return err
			}
			fmt.Printf("paired with %s (ltpk %x)\n", p.Id, p.PublicKey)
			return nil
		},
	}
	controllerFlags(cmd)
	cmd.Flags().StringVar(&pin, "pin", "", "setup code XXX-XX-XXX")
	_ = cmd.MarkFlagRequired("pin")
	return cmd
}

func verifyCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "verify <addr>",
		Short: "Verify a paired accessory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, d, done, err := dialVerified(cmd, args[0])
			if err != nil {
				return err
			}
			defer done()
			fmt.Println("verified", d.Id)
			if path == "" {
				return nil
			}
			b, err := d.Get(ctx, path)
			if err != nil {
				return err
			}
			fmt.Println(string(b))
			return nil
		},
	}
	controllerFlags(cmd)
	cmd.Flags().StringVar(&path, "get", "", "path to GET over the encrypted connection")
	return cmd
}

func unpairCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unpair <addr>",
		Short: "Remove this controller from an accessory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, d, done, err := dialVerified(cmd, args[0])
			if err != nil {
				return err
			}
			defer done()
			if err := d.PairRemove(ctx); err != nil {
				return err
			}
			fmt.Println("unpaired", d.Id)
			return nil
		},
	}
	controllerFlags(cmd)
	return cmd
}

func pairingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pairings <addr>",
		Short: "List the controllers paired with an accessory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, d, done, err := dialVerified(cmd, args[0])
			if err != nil {
				return err
			}
			defer done()
			pp, err := d.ListPairings(ctx)
			if err != nil {
				return err
			}
			for _, p := range pp {
				role := "user"
				if p.IsAdmin() {
					role = "admin"
				}
				fmt.Printf("%s\t%s\t%x\n", p.Id, role, p.PublicKey)
			}
			return nil
		},
	}
	controllerFlags(cmd)
	return cmd
}
