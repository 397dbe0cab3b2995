package commands

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/hkontrol/hkpair"
)

// accessory: serve the pairing endpoints and GET /ping on verified connections.
func accessoryCmd() *cobra.Command {
	var (
		addr string
		pin  string
		id   string
	)
	cmd := &cobra.Command{
		Use:   "accessory",
		Short: "Serve a pairable accessory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			st, err := openStore(ctx, "accessory")
			if err != nil {
				return err
			}
			acc, err := hkpair.NewAccessory(hkpair.AccessoryConfig{
				Id:    id,
				Pin:   hkpair.NormalizePin(pin),
				Store: st,
			})
			if err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.HandleFunc("GET /ping", func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("pong"))
			})
			srv := hkpair.NewServer(hkpair.ServerConfig{
				Addr:      addr,
				Accessory: acc,
				Handler:   mux,
			})
			fmt.Printf("accessory %s, setup code %s\n", acc.Id(), hkpair.NormalizePin(pin))
			return srv.ListenAndServe(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":51826", "listen address")
	cmd.Flags().StringVar(&pin, "pin", "", "setup code XXX-XX-XXX")
	cmd.Flags().StringVar(&id, "id", "", "accessory id (generated when empty)")
	_ = cmd.MarkFlagRequired("pin")
	return cmd
}
