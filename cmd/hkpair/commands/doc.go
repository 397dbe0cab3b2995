// Package commands defines the hkpair CLI.
//
// Commands
//
//   - accessory   Serve a pairable accessory
//   - pair        Pair with an accessory using its setup code
//   - verify      Verify a paired accessory and optionally GET a path
//   - unpair      Remove this controller from an accessory
//   - pairings    List the controllers paired with an accessory
//   - discover    Browse for accessories on the local network
//
// The root command builds the pairing store (fs, bolt or postgres) before any
// subcommand runs. Controller and accessory keep separate identities.
package commands
