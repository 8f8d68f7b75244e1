package erp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnknownCompany indicates no ledger credentials exist for a company.
var ErrUnknownCompany = errors.New("erp: unknown company")

// Credentials authenticate a company against the ledger API.
type Credentials struct {
	UserID    string
	Password  string
	CompanyID string
}

// CredentialSource resolves credentials per company.
type CredentialSource interface {
	Lookup(ctx context.Context, companyID string) (Credentials, error)
}

// PostgresCredentials reads credentials from erp_companies.
type PostgresCredentials struct {
	pool *pgxpool.Pool
}

// NewPostgresCredentials constructs the source.
func NewPostgresCredentials(pool *pgxpool.Pool) *PostgresCredentials {
	return &PostgresCredentials{pool: pool}
}

// Lookup implements CredentialSource.
func (s *PostgresCredentials) Lookup(ctx context.Context, companyID string) (Credentials, error) {
	if s == nil || s.pool == nil {
		return Credentials{}, errors.New("erp: credential source not initialised")
	}
	var creds Credentials
	err := s.pool.QueryRow(ctx, `SELECT TRIM(ledger_company), TRIM(login_id), TRIM(login_password)
FROM erp_companies WHERE company_id = $1 AND active`, companyID).Scan(&creds.CompanyID, &creds.UserID, &creds.Password)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Credentials{}, fmt.Errorf("%w: %s", ErrUnknownCompany, companyID)
		}
		return Credentials{}, err
	}
	if creds.CompanyID == "" {
		creds.CompanyID = companyID
	}
	return creds, nil
}

// StaticCredentials serves one credential set for every company, optionally
// overridden per company.
type StaticCredentials struct {
	Default   Credentials
	Companies map[string]Credentials
}

// Lookup implements CredentialSource.
func (s StaticCredentials) Lookup(_ context.Context, companyID string) (Credentials, error) {
	if creds, ok := s.Companies[companyID]; ok {
		return creds, nil
	}
	if s.Default.UserID == "" {
		return Credentials{}, fmt.Errorf("%w: %s", ErrUnknownCompany, companyID)
	}
	creds := s.Default
	if creds.CompanyID == "" {
		creds.CompanyID = strings.TrimSpace(companyID)
	}
	return creds, nil
}

// FallbackCredentials tries each source in order until one knows the company.
type FallbackCredentials []CredentialSource

// Lookup implements CredentialSource.
func (f FallbackCredentials) Lookup(ctx context.Context, companyID string) (Credentials, error) {
	var lastErr error = fmt.Errorf("%w: %s", ErrUnknownCompany, companyID)
	for _, src := range f {
		if src == nil {
			continue
		}
		creds, err := src.Lookup(ctx, companyID)
		if err == nil {
			return creds, nil
		}
		lastErr = err
		if !errors.Is(err, ErrUnknownCompany) {
			return Credentials{}, err
		}
	}
	return Credentials{}, lastErr
}
