package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type policyRepository struct {
	db *sql.DB
}

// NewPolicyRepository создаёт PostgreSQL-реализацию PolicyRepository.
func NewPolicyRepository(store *Store) domain.PolicyRepository {
	return &policyRepository{db: store.DB()}
}

// travelerRow: JSON-представление путешественника в колонке travelers.
type travelerRow struct {
	FirstName      string    `json:"first_name"`
	LastName       string    `json:"last_name"`
	BirthDate      time.Time `json:"birth_date"`
	PassportNumber string    `json:"passport_number"`
	Citizenship    string    `json:"citizenship"`
}

func (r *policyRepository) Create(ctx context.Context, policy domain.Policy) error {
	if strings.TrimSpace(policy.ID) == "" {
		return domain.ErrPolicyIDRequired
	}

	travelers, err := encodeTravelers(policy.Travelers)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO policies (
			id, account_id, start_date, end_date, coverage_tier, price_minor, currency,
			travelers, destination_country, destination_region, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		policy.ID, policy.AccountID, policy.StartDate, policy.EndDate, int(policy.CoverageTier),
		policy.PriceMinor, policy.Currency, travelers, policy.Destination.CountryCode,
		policy.Destination.Region, policy.CreatedAt,
	)
	if err != nil {
		if hasPgCode(err, pgUniqueViolation) {
			return domain.ErrPolicyExists
		}
		return fmt.Errorf("insert policy: %w", err)
	}

	return nil
}

func (r *policyRepository) Get(ctx context.Context, id string) (domain.Policy, error) {
	if strings.TrimSpace(id) == "" {
		return domain.Policy{}, domain.ErrPolicyIDRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		policy    domain.Policy
		tier      int
		travelers []byte
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, account_id, start_date, end_date, coverage_tier, price_minor, currency,
			travelers, destination_country, destination_region, created_at
		FROM policies
		WHERE id = $1
	`, id).Scan(
		&policy.ID, &policy.AccountID, &policy.StartDate, &policy.EndDate, &tier,
		&policy.PriceMinor, &policy.Currency, &travelers, &policy.Destination.CountryCode,
		&policy.Destination.Region, &policy.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Policy{}, domain.ErrPolicyNotFound
		}
		return domain.Policy{}, fmt.Errorf("select policy: %w", err)
	}
	policy.CoverageTier = domain.CoverageTier(tier)

	policy.Travelers, err = decodeTravelers(travelers)
	if err != nil {
		return domain.Policy{}, err
	}

	return policy, nil
}

func encodeTravelers(travelers []domain.Traveler) ([]byte, error) {
	rows := make([]travelerRow, 0, len(travelers))
	for _, t := range travelers {
		rows = append(rows, travelerRow{
			FirstName:      t.FirstName,
			LastName:       t.LastName,
			BirthDate:      t.BirthDate,
			PassportNumber: t.PassportNumber,
			Citizenship:    t.Citizenship,
		})
	}
	data, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode travelers: %w", err)
	}
	return data, nil
}

func decodeTravelers(raw []byte) ([]domain.Traveler, error) {
	var rows []travelerRow
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("decode travelers: %w", err)
	}
	travelers := make([]domain.Traveler, 0, len(rows))
	for _, row := range rows {
		travelers = append(travelers, domain.Traveler{
			FirstName:      row.FirstName,
			LastName:       row.LastName,
			BirthDate:      row.BirthDate,
			PassportNumber: row.PassportNumber,
			Citizenship:    row.Citizenship,
		})
	}
	return travelers, nil
}

func hasPgCode(err error, code string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == code
	}
	return false
}

var _ domain.PolicyRepository = (*policyRepository)(nil)
