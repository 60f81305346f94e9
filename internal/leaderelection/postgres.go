package leaderelection

import (
	"context"
	"database/sql"
)

// PostgresConnector opens sessions on dedicated connections from db's pool.
func PostgresConnector(db *sql.DB) Connector {
	return pgConnector{db: db}
}

type pgConnector struct {
	db *sql.DB
}

func (c pgConnector) Session(ctx context.Context) (Session, error) {
	conn, err := c.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return pgSession{conn: conn}, nil
}

type pgSession struct {
	conn *sql.Conn
}

// TryLock is non-blocking: it reports false when another session holds key.
func (s pgSession) TryLock(ctx context.Context, key int64) (bool, error) {
	var acquired bool
	err := s.conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", key).Scan(&acquired)
	return acquired, err
}

func (s pgSession) Ping(ctx context.Context) error {
	return s.conn.PingContext(ctx)
}

// Close unlocks before handing the connection back to the pool, which may
// keep the underlying session (and with it the lock) alive.
func (s pgSession) Close() error {
	_, _ = s.conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock_all()")
	return s.conn.Close()
}
