// Package dbacl implements the Principal Provisioner: it creates a
// short-lived Postgres role scoped to one task and revokes it on exit.
package dbacl

import (
	"crypto/rand"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/cuemby/apitester/pkg/config"
	"github.com/cuemby/apitester/pkg/log"
	"github.com/cuemby/apitester/pkg/metrics"
)

const (
	nameAlphabet     = "abcdefghijklmnopqrstuvwxyz"
	passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	credentialLength = 10
)

// Handle identifies the principal provisioned for one task, plus the
// credentials the sandbox container needs to connect as it.
type Handle struct {
	Name     string
	Password string
	TargetDB string
}

// Provisioner owns the privileged admin connection used to create and
// revoke per-task principals. It is safe for concurrent use across
// pipelines: each call opens its own short-lived connection to the task's
// target database for the schema-level grants.
type Provisioner struct {
	admin *sql.DB
	cfg   config.DatabaseConfig
}

// Open connects to the admin database (config.DatabaseConfig.User must
// carry CREATEROLE privileges) and returns a Provisioner ready to serve
// concurrent Provision/Revoke calls.
func Open(cfg config.DatabaseConfig) (*Provisioner, error) {
	admin, err := sql.Open("postgres", adminDSN(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open admin connection: %w", err)
	}
	if err := admin.Ping(); err != nil {
		admin.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &Provisioner{admin: admin, cfg: cfg}, nil
}

// Close releases the admin connection pool.
func (p *Provisioner) Close() error {
	return p.admin.Close()
}

// Provision creates a randomly named principal, grants it CONNECT on the
// task's database plus USAGE and SELECT on the public schema, and returns
// the handle the sandbox will use to connect.
func (p *Provisioner) Provision(dbName string) (*Handle, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ProvisionDuration)

	name, err := randomToken(nameAlphabet, credentialLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate principal name: %w", err)
	}
	password, err := randomToken(passwordAlphabet, credentialLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate principal password: %w", err)
	}

	h := &Handle{Name: "apt_" + name, Password: password, TargetDB: dbName}

	stmt := fmt.Sprintf(
		"CREATE USER %s WITH CREATEDB ENCRYPTED PASSWORD '%s'",
		h.Name, h.Password,
	)
	if _, err := p.admin.Exec(stmt); err != nil {
		return nil, fmt.Errorf("failed to create principal: %w", err)
	}

	if _, err := p.admin.Exec(fmt.Sprintf("GRANT CONNECT ON DATABASE %s TO %s", dbName, h.Name)); err != nil {
		return nil, fmt.Errorf("failed to grant connect: %w", err)
	}

	target, err := sql.Open("postgres", targetDSN(p.cfg, dbName))
	if err != nil {
		return nil, fmt.Errorf("failed to open target database connection: %w", err)
	}
	defer target.Close()

	if _, err := target.Exec(fmt.Sprintf("GRANT USAGE ON SCHEMA public TO %s", h.Name)); err != nil {
		return nil, fmt.Errorf("failed to grant schema usage: %w", err)
	}
	if _, err := target.Exec(fmt.Sprintf("GRANT SELECT ON ALL TABLES IN SCHEMA public TO %s", h.Name)); err != nil {
		return nil, fmt.Errorf("failed to grant select: %w", err)
	}

	return h, nil
}

// Revoke tears down a principal's privileges and drops it. Each statement
// runs independently; a failure on one does not block the rest, and no
// error is ever returned — a crashed prior run may have left partial state,
// and revoke must still converge. Errors are logged only.
func (p *Provisioner) Revoke(h *Handle) {
	if h == nil {
		return
	}
	logger := log.WithComponent("dbacl")

	stmts := []string{
		fmt.Sprintf("REVOKE ALL PRIVILEGES ON ALL TABLES IN SCHEMA public FROM %s", h.Name),
		fmt.Sprintf("REVOKE ALL PRIVILEGES ON SCHEMA public FROM %s", h.Name),
		fmt.Sprintf("REVOKE CONNECT ON DATABASE %s FROM %s", h.TargetDB, h.Name),
		fmt.Sprintf("DROP DATABASE IF EXISTS %s", h.Name),
		fmt.Sprintf("DROP USER IF EXISTS %s", h.Name),
	}

	for _, stmt := range stmts {
		if _, err := p.admin.Exec(stmt); err != nil {
			logger.Warn().Err(err).Str("statement", stmt).Msg("revoke statement failed, continuing")
		}
	}
}

// randomToken returns a random string of length n drawn from alphabet,
// using crypto/rand the way the teacher's token manager generates join
// tokens.
func randomToken(alphabet string, n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(out), nil
}

func adminDSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, sslModeOrDefault(cfg.SSLMode),
	)
}

func targetDSN(cfg config.DatabaseConfig, dbName string) string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		cfg.Host, cfg.Port, dbName, cfg.User, cfg.Password, sslModeOrDefault(cfg.SSLMode),
	)
}

func sslModeOrDefault(mode string) string {
	if mode == "" {
		return "disable"
	}
	return mode
}
