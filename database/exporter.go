// Package database is the pluggable SQL sink: each snapshot cycle it
// receives the serialized entity list and mirrors it into Postgres. It is a
// crash-recovery cache, not a query surface.
package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"f0oster/admirror/activedirectory"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Database struct {
	dsn            string
	ConnectionPool *pgxpool.Pool
	log            *slog.Logger
}

func NewDatabase(dsn string, log *slog.Logger) *Database {
	return &Database{dsn: dsn, log: log}
}

// Connect creates the pgx connection pool and ensures the mirror table
// exists.
func (db *Database) Connect(ctx context.Context) error {
	var err error
	db.ConnectionPool, err = pgxpool.New(ctx, db.dsn)
	if err != nil {
		return fmt.Errorf("unable to connect: %w", err)
	}

	_, err = db.ConnectionPool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mirror_entities (
			object_guid UUID PRIMARY KEY,
			tag BIGINT NOT NULL,
			distinguished_name TEXT NOT NULL,
			object_class TEXT,
			sam_account_name TEXT,
			user_principal_name TEXT,
			object_sid TEXT,
			attributes JSONB,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create mirror table: %w", err)
	}
	return nil
}

func (db *Database) Close() {
	if db.ConnectionPool != nil {
		db.ConnectionPool.Close()
	}
}

func rollbackOrCommit(ctx context.Context, tx pgx.Tx, err *error, log *slog.Logger) {
	if *err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			log.Error("transaction rollback failed", "rollback_err", rbErr, "err", *err)
		} else {
			log.Warn("transaction rolled back", "err", *err)
		}
	} else {
		if cmErr := tx.Commit(ctx); cmErr != nil {
			*err = fmt.Errorf("commit failed: %w", cmErr)
		}
	}
}

// ExportSnapshot upserts the full entity list in one transaction and prunes
// rows whose objects no longer exist.
func (db *Database) ExportSnapshot(ctx context.Context, entities []*activedirectory.Entity) (err error) {
	if db.ConnectionPool == nil {
		return fmt.Errorf("database not connected")
	}

	tx, err := db.ConnectionPool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer rollbackOrCommit(ctx, tx, &err, db.log)

	const upsertQuery = `
		INSERT INTO mirror_entities (
			object_guid, tag, distinguished_name, object_class,
			sam_account_name, user_principal_name, object_sid, attributes, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (object_guid) DO UPDATE SET
			tag = EXCLUDED.tag,
			distinguished_name = EXCLUDED.distinguished_name,
			object_class = EXCLUDED.object_class,
			sam_account_name = EXCLUDED.sam_account_name,
			user_principal_name = EXCLUDED.user_principal_name,
			object_sid = EXCLUDED.object_sid,
			attributes = EXCLUDED.attributes,
			updated_at = NOW()
	`

	live := 0
	for _, e := range entities {
		if e == nil {
			continue
		}
		attrsJSON, jerr := json.Marshal(e.OtherAttributesText)
		if jerr != nil {
			err = fmt.Errorf("marshal attributes for %s: %w", e.DN, jerr)
			return err
		}
		if _, err = tx.Exec(ctx, upsertQuery,
			e.ObjectGUID, int64(e.Tag), e.DN, e.Class,
			e.SAMAccountName, e.UserPrincipalName, e.SID, attrsJSON,
		); err != nil {
			err = fmt.Errorf("upsert %s: %w", e.DN, err)
			return err
		}
		live++
	}

	// prune rows for deleted objects
	guids := make([]string, 0, live)
	for _, e := range entities {
		if e != nil {
			guids = append(guids, e.ObjectGUID.String())
		}
	}
	if _, err = tx.Exec(ctx, `DELETE FROM mirror_entities WHERE NOT (object_guid = ANY($1::uuid[]))`, guids); err != nil {
		err = fmt.Errorf("prune deleted objects: %w", err)
		return err
	}

	db.log.Info("snapshot exported to database", "entities", live)
	return nil
}
