// Package pgstore provides a hkpair.PairingStore backed by postgres. Several
// controllers or accessories can share the database, each under its own
// owner name.
package pgstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hkontrol/hkpair"
	"github.com/hkontrol/hkpair/log"
)

// queryTimeout bounds every statement, PairingStore methods take no context.
const queryTimeout = 5 * time.Second

// PGDB is implemented by pgx.Tx, pgx.Conn & pgxpool.Pool
type PGDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

//go:embed schema.sql
var schemaScript string

// Migrate creates the tables if needed.
func Migrate(ctx context.Context, db PGDB) error {
	_, err := db.Exec(ctx, schemaScript)
	if err != nil {
		return fmt.Errorf("failed db schema initialization: %w", err)
	}
	return nil
}

type Store struct {
	DB    PGDB
	Owner string

	pool *pgxpool.Pool
}

// New connects to dsn, creates the tables and returns the store of owner.
func New(ctx context.Context, dsn string, owner string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed connection pool creation: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Infof("pairing store of %s on %s", owner, pool.Config().ConnConfig.Host)
	return &Store{DB: pool, Owner: owner, pool: pool}, nil
}

// Close releases the pool opened by New.
func (st *Store) Close() {
	if st.pool != nil {
		st.pool.Close()
	}
}

func (st *Store) Identity() (hkpair.Identity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var id hkpair.Identity
	err := st.DB.QueryRow(ctx,
		`SELECT pairing_id, public_key, private_key FROM hap_identity WHERE owner = $1`,
		st.Owner,
	).Scan(&id.Id, &id.Public, &id.Private)
	if errors.Is(err, pgx.ErrNoRows) {
		return id, hkpair.ErrIdentityNotFound
	}
	if err != nil {
		return id, fmt.Errorf("failed loading identity: %w", err)
	}
	return id, nil
}

func (st *Store) SaveIdentity(id hkpair.Identity) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := st.DB.Exec(ctx,
		`INSERT INTO hap_identity(owner, pairing_id, public_key, private_key) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (owner) DO UPDATE SET
		 pairing_id = EXCLUDED.pairing_id,
		 public_key = EXCLUDED.public_key,
		 private_key = EXCLUDED.private_key`,
		st.Owner, id.Id, id.Public, id.Private,
	)
	if err != nil {
		return fmt.Errorf("failed saving identity: %w", err)
	}
	return nil
}

func (st *Store) Pairing(id string) (hkpair.Pairing, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	p := hkpair.Pairing{Id: id}
	var perm int16
	err := st.DB.QueryRow(ctx,
		`SELECT public_key, permission FROM hap_pairing WHERE owner = $1 AND peer = $2`,
		st.Owner, id,
	).Scan(&p.PublicKey, &perm)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, hkpair.ErrPairingNotFound
	}
	if err != nil {
		return p, fmt.Errorf("failed loading pairing: %w", err)
	}
	p.Permission = byte(perm)
	return p, nil
}

func (st *Store) SavePairing(p hkpair.Pairing) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := st.DB.Exec(ctx,
		`INSERT INTO hap_pairing(owner, peer, public_key, permission) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (owner, peer) DO UPDATE SET
		 public_key = EXCLUDED.public_key,
		 permission = EXCLUDED.permission`,
		st.Owner, p.Id, p.PublicKey, int16(p.Permission),
	)
	if err != nil {
		return fmt.Errorf("failed saving pairing: %w", err)
	}
	return nil
}

func (st *Store) DeletePairing(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	_, err := st.DB.Exec(ctx, `DELETE FROM hap_pairing WHERE owner = $1 AND peer = $2`, st.Owner, id)
	if err != nil {
		return fmt.Errorf("failed removing pairing: %w", err)
	}
	return nil
}

type pairingRow struct {
	Id         string `db:"peer"`
	PublicKey  []byte `db:"public_key"`
	Permission int16  `db:"permission"`
}

// Pairings returns the pairings of the owner ordered by id.
func (st *Store) Pairings() ([]hkpair.Pairing, error) {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	rows, err := st.DB.Query(ctx,
		`SELECT peer, public_key, permission FROM hap_pairing WHERE owner = $1 ORDER BY peer`,
		st.Owner,
	)
	if err != nil {
		return nil, fmt.Errorf("failed DB.Query: %w", err)
	}
	recs, err := pgx.CollectRows(rows, pgx.RowToStructByName[pairingRow])
	if err != nil {
		return nil, fmt.Errorf("failed pgx.CollectRows: %w", err)
	}
	pp := make([]hkpair.Pairing, 0, len(recs))
	for _, r := range recs {
		pp = append(pp, hkpair.Pairing{Id: r.Id, PublicKey: r.PublicKey, Permission: byte(r.Permission)})
	}
	return pp, nil
}

var _ hkpair.PairingStore = (*Store)(nil)
