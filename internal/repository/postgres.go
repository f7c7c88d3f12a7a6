package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	_ "github.com/lib/pq"
	"github.com/opensource-finance/couponguard/internal/domain"
)

// openPostgres opens and pings a PostgreSQL database.
func openPostgres(cfg domain.RepositoryConfig) (*sql.DB, error) {
	dsn := postgresDSN(cfg)

	db, err := sql.Open("postgres", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres database %s@%s: %w", dsn.Path[1:], dsn.Host, err)
	}

	return db, nil
}

// postgresDSN builds a URL DSN so credentials with spaces or quotes survive.
func postgresDSN(cfg domain.RepositoryConfig) *url.URL {
	host := cfg.PostgresHost
	if host == "" {
		host = "localhost"
	}
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}
	dbname := cfg.PostgresDB
	if dbname == "" {
		dbname = "couponguard"
	}
	sslmode := cfg.PostgresSSLMode
	if sslmode == "" {
		sslmode = "disable"
	}

	q := url.Values{}
	q.Set("sslmode", sslmode)
	q.Set("application_name", "couponguard")
	q.Set("connect_timeout", "10")

	u := &url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     "/" + dbname,
		RawQuery: q.Encode(),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	return u
}
