package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/onem2m/cse/internal/m2m"
)

// PostgresBinding persists the five tables as JSONB documents in postgres.
// It keeps the same per-table locking discipline as the other backends so
// ordering guarantees do not depend on the chosen backend.
type PostgresBinding struct {
	pool *pgxpool.Pool

	muResources   sync.Mutex
	muIdentifiers sync.Mutex
	muSubs        sync.Mutex
	muStatistics  sync.Mutex
	muAppData     sync.Mutex
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS cse_resources (
	ri  TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS cse_identifiers (
	ri  TEXT PRIMARY KEY,
	srn TEXT UNIQUE NOT NULL,
	doc JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS cse_subscriptions (
	ri  TEXT PRIMARY KEY,
	pi  TEXT NOT NULL,
	doc JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS cse_batch_notifications (
	id     BIGSERIAL PRIMARY KEY,
	ri     TEXT NOT NULL,
	nu     TEXT NOT NULL,
	doc    JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS cse_batch_ri_nu ON cse_batch_notifications (ri, nu);
CREATE TABLE IF NOT EXISTS cse_statistics (
	id  INT PRIMARY KEY DEFAULT 1,
	doc JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS cse_appdata (
	id  TEXT PRIMARY KEY,
	doc JSONB NOT NULL
);
`

// NewPostgresBinding connects to postgres and ensures the schema exists.
func NewPostgresBinding(ctx context.Context, databaseURL string) (*PostgresBinding, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &PostgresBinding{pool: pool}, nil
}

func (p *PostgresBinding) InsertResource(doc Document) error {
	p.muResources.Lock()
	defer p.muResources.Unlock()
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(context.Background(),
		`INSERT INTO cse_resources (ri, doc) VALUES ($1, $2) ON CONFLICT (ri) DO NOTHING`,
		docRI(doc), data)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

func (p *PostgresBinding) UpsertResource(doc Document) error {
	p.muResources.Lock()
	defer p.muResources.Unlock()
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(context.Background(),
		`INSERT INTO cse_resources (ri, doc) VALUES ($1, $2)
		 ON CONFLICT (ri) DO UPDATE SET doc = EXCLUDED.doc`,
		docRI(doc), data)
	return err
}

func (p *PostgresBinding) UpdateResource(doc Document) (Document, error) {
	p.muResources.Lock()
	defer p.muResources.Unlock()
	ri := docRI(doc)
	var data []byte
	err := p.pool.QueryRow(context.Background(),
		`SELECT doc FROM cse_resources WHERE ri = $1`, ri).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var stored Document
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, err
	}
	for k, v := range doc {
		if v == nil {
			delete(stored, k)
		} else {
			stored[k] = v
		}
	}
	out, err := json.Marshal(stored)
	if err != nil {
		return nil, err
	}
	if _, err := p.pool.Exec(context.Background(),
		`UPDATE cse_resources SET doc = $2 WHERE ri = $1`, ri, out); err != nil {
		return nil, err
	}
	return stored, nil
}

func (p *PostgresBinding) RemoveResource(ri string) error {
	p.muResources.Lock()
	defer p.muResources.Unlock()
	tag, err := p.pool.Exec(context.Background(),
		`DELETE FROM cse_resources WHERE ri = $1`, ri)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBinding) resourceWhere(query string, args ...any) ([]Document, error) {
	rows, err := p.pool.Query(context.Background(), query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (p *PostgresBinding) ResourceByRI(ri string) (Document, error) {
	p.muResources.Lock()
	defer p.muResources.Unlock()
	docs, err := p.resourceWhere(`SELECT doc FROM cse_resources WHERE ri = $1`, ri)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func (p *PostgresBinding) ResourceByCSI(csi string) (Document, error) {
	p.muResources.Lock()
	defer p.muResources.Unlock()
	docs, err := p.resourceWhere(`SELECT doc FROM cse_resources WHERE doc->>'csi' = $1`, csi)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, ErrNotFound
	}
	return docs[0], nil
}

func (p *PostgresBinding) ResourcesByPI(pi string, ty *m2m.ResourceType) ([]Document, error) {
	p.muResources.Lock()
	defer p.muResources.Unlock()
	if ty != nil {
		return p.resourceWhere(
			`SELECT doc FROM cse_resources WHERE doc->>'pi' = $1 AND (doc->>'ty')::int = $2`,
			pi, int(*ty))
	}
	return p.resourceWhere(`SELECT doc FROM cse_resources WHERE doc->>'pi' = $1`, pi)
}

func (p *PostgresBinding) ResourcesByType(ty m2m.ResourceType) ([]Document, error) {
	p.muResources.Lock()
	defer p.muResources.Unlock()
	return p.resourceWhere(`SELECT doc FROM cse_resources WHERE (doc->>'ty')::int = $1`, int(ty))
}

func (p *PostgresBinding) SearchResources(match func(Document) bool) ([]Document, error) {
	p.muResources.Lock()
	defer p.muResources.Unlock()
	docs, err := p.resourceWhere(`SELECT doc FROM cse_resources`)
	if err != nil {
		return nil, err
	}
	var out []Document
	for _, doc := range docs {
		if match(doc) {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (p *PostgresBinding) HasResource(ri string) (bool, error) {
	p.muResources.Lock()
	defer p.muResources.Unlock()
	var n int
	err := p.pool.QueryRow(context.Background(),
		`SELECT count(*) FROM cse_resources WHERE ri = $1`, ri).Scan(&n)
	return n > 0, err
}

func (p *PostgresBinding) CountResources() (int, error) {
	p.muResources.Lock()
	defer p.muResources.Unlock()
	var n int
	err := p.pool.QueryRow(context.Background(), `SELECT count(*) FROM cse_resources`).Scan(&n)
	return n, err
}

func (p *PostgresBinding) UpsertIdentifier(id Identifier) error {
	p.muIdentifiers.Lock()
	defer p.muIdentifiers.Unlock()
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(context.Background(),
		`INSERT INTO cse_identifiers (ri, srn, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (ri) DO UPDATE SET srn = EXCLUDED.srn, doc = EXCLUDED.doc`,
		id.RI, id.SRN, data)
	return err
}

func (p *PostgresBinding) RemoveIdentifier(ri string) error {
	p.muIdentifiers.Lock()
	defer p.muIdentifiers.Unlock()
	tag, err := p.pool.Exec(context.Background(),
		`DELETE FROM cse_identifiers WHERE ri = $1`, ri)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBinding) identifierBy(query string, arg any) (Identifier, error) {
	var data []byte
	err := p.pool.QueryRow(context.Background(), query, arg).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identifier{}, ErrNotFound
	}
	if err != nil {
		return Identifier{}, err
	}
	var id Identifier
	if err := json.Unmarshal(data, &id); err != nil {
		return Identifier{}, err
	}
	return id, nil
}

func (p *PostgresBinding) IdentifierByRI(ri string) (Identifier, error) {
	p.muIdentifiers.Lock()
	defer p.muIdentifiers.Unlock()
	return p.identifierBy(`SELECT doc FROM cse_identifiers WHERE ri = $1`, ri)
}

func (p *PostgresBinding) IdentifierBySRN(srn string) (Identifier, error) {
	p.muIdentifiers.Lock()
	defer p.muIdentifiers.Unlock()
	return p.identifierBy(`SELECT doc FROM cse_identifiers WHERE srn = $1`, srn)
}

func (p *PostgresBinding) UpsertSub(sub Sub) error {
	p.muSubs.Lock()
	defer p.muSubs.Unlock()
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(context.Background(),
		`INSERT INTO cse_subscriptions (ri, pi, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (ri) DO UPDATE SET pi = EXCLUDED.pi, doc = EXCLUDED.doc`,
		sub.RI, sub.PI, data)
	return err
}

func (p *PostgresBinding) RemoveSub(ri string) error {
	p.muSubs.Lock()
	defer p.muSubs.Unlock()
	tag, err := p.pool.Exec(context.Background(),
		`DELETE FROM cse_subscriptions WHERE ri = $1`, ri)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBinding) SubByRI(ri string) (Sub, error) {
	p.muSubs.Lock()
	defer p.muSubs.Unlock()
	var data []byte
	err := p.pool.QueryRow(context.Background(),
		`SELECT doc FROM cse_subscriptions WHERE ri = $1`, ri).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return Sub{}, ErrNotFound
	}
	if err != nil {
		return Sub{}, err
	}
	var sub Sub
	if err := json.Unmarshal(data, &sub); err != nil {
		return Sub{}, err
	}
	return sub, nil
}

func (p *PostgresBinding) SubsByPI(pi string) ([]Sub, error) {
	p.muSubs.Lock()
	defer p.muSubs.Unlock()
	rows, err := p.pool.Query(context.Background(),
		`SELECT doc FROM cse_subscriptions WHERE pi = $1`, pi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Sub
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sub Sub
		if err := json.Unmarshal(data, &sub); err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (p *PostgresBinding) AddBatchRecord(rec BatchRecord) error {
	p.muSubs.Lock()
	defer p.muSubs.Unlock()
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(context.Background(),
		`INSERT INTO cse_batch_notifications (ri, nu, doc) VALUES ($1, $2, $3)`,
		rec.RI, rec.NU, data)
	return err
}

func (p *PostgresBinding) BatchRecords(ri, nu string) ([]BatchRecord, error) {
	p.muSubs.Lock()
	defer p.muSubs.Unlock()
	rows, err := p.pool.Query(context.Background(),
		`SELECT doc FROM cse_batch_notifications WHERE ri = $1 AND nu = $2 ORDER BY id`, ri, nu)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []BatchRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec BatchRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresBinding) CountBatchRecords(ri, nu string) (int, error) {
	p.muSubs.Lock()
	defer p.muSubs.Unlock()
	var n int
	err := p.pool.QueryRow(context.Background(),
		`SELECT count(*) FROM cse_batch_notifications WHERE ri = $1 AND nu = $2`, ri, nu).Scan(&n)
	return n, err
}

func (p *PostgresBinding) RemoveBatchRecords(ri, nu string) error {
	p.muSubs.Lock()
	defer p.muSubs.Unlock()
	_, err := p.pool.Exec(context.Background(),
		`DELETE FROM cse_batch_notifications WHERE ri = $1 AND nu = $2`, ri, nu)
	return err
}

func (p *PostgresBinding) Statistics() (Document, error) {
	p.muStatistics.Lock()
	defer p.muStatistics.Unlock()
	var data []byte
	err := p.pool.QueryRow(context.Background(),
		`SELECT doc FROM cse_statistics WHERE id = 1`).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *PostgresBinding) UpsertStatistics(doc Document) error {
	p.muStatistics.Lock()
	defer p.muStatistics.Unlock()
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(context.Background(),
		`INSERT INTO cse_statistics (id, doc) VALUES (1, $1)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, data)
	return err
}

func (p *PostgresBinding) AppData(id string) (Document, error) {
	p.muAppData.Lock()
	defer p.muAppData.Unlock()
	var data []byte
	err := p.pool.QueryRow(context.Background(),
		`SELECT doc FROM cse_appdata WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *PostgresBinding) UpsertAppData(id string, doc Document) error {
	p.muAppData.Lock()
	defer p.muAppData.Unlock()
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(context.Background(),
		`INSERT INTO cse_appdata (id, doc) VALUES ($1, $2)
		 ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc`, id, data)
	return err
}

func (p *PostgresBinding) RemoveAppData(id string) error {
	p.muAppData.Lock()
	defer p.muAppData.Unlock()
	tag, err := p.pool.Exec(context.Background(),
		`DELETE FROM cse_appdata WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresBinding) Purge() error {
	for _, item := range []struct {
		mu    *sync.Mutex
		table string
	}{
		{&p.muResources, "cse_resources"},
		{&p.muIdentifiers, "cse_identifiers"},
		{&p.muSubs, "cse_subscriptions"},
		{&p.muSubs, "cse_batch_notifications"},
		{&p.muStatistics, "cse_statistics"},
		{&p.muAppData, "cse_appdata"},
	} {
		item.mu.Lock()
		_, err := p.pool.Exec(context.Background(), `TRUNCATE `+item.table)
		item.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresBinding) Close() error {
	p.pool.Close()
	return nil
}
