package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pion/logging"
	"github.com/spf13/cobra"

	"github.com/hkontrol/hkpair"
	"github.com/hkontrol/hkpair/boltstore"
	"github.com/hkontrol/hkpair/log"
	"github.com/hkontrol/hkpair/pgstore"
)

var (
	home      string
	storeKind string
	pgDSN     string
	debug     bool

	closers []func()
)

func Execute() error {
	root := &cobra.Command{
		Use:          "hkpair",
		Short:        "HomeKit pairing controller and accessory",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				log.SetFactory(log.NewFactory(os.Stderr, logging.LogLevelDebug))
			}
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".hkpair")
			}
			return os.MkdirAll(home, 0o700)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			for _, c := range closers {
				c()
			}
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "data dir (default ~/.hkpair)")
	root.PersistentFlags().StringVar(&storeKind, "store", "fs", "pairing store: fs, bolt or pg")
	root.PersistentFlags().StringVar(&pgDSN, "pg-dsn", "", "postgres dsn for --store pg")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "debug logging")

	root.AddCommand(accessoryCmd(), pairCmd(), verifyCmd(), unpairCmd(), pairingsCmd(), discoverCmd())
	return root.Execute()
}

// openStore returns the store of role, "controller" or "accessory".
func openStore(ctx context.Context, role string) (hkpair.PairingStore, error) {
	switch storeKind {
	case "fs":
		s, err := hkpair.NewFsStore(filepath.Join(home, role))
		if err != nil {
			return nil, err
		}
		return hkpair.NewPairingStore(s), nil
	case "bolt":
		st, err := boltstore.New(filepath.Join(home, role+".db"))
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { st.Close() })
		return st, nil
	case "pg":
		if pgDSN == "" {
			return nil, fmt.Errorf("--pg-dsn required for --store pg")
		}
		st, err := pgstore.New(ctx, pgDSN, role)
		if err != nil {
			return nil, err
		}
		closers = append(closers, st.Close)
		return st, nil
	}
	return nil, fmt.Errorf("unknown store %q", storeKind)
}
