package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PostgresGateway implements Gateway on PostgreSQL. Profiles are stored
// as a JSONB document keyed by agent id with an indexed signer column
// as the secondary owner index. The registry treats persistence as an
// opaque key-value collaborator, not a relational model.
type PostgresGateway struct {
	db *sql.DB
}

// NewPostgresGateway creates a PostgreSQL-backed gateway.
func NewPostgresGateway(db *sql.DB) *PostgresGateway {
	return &PostgresGateway{db: db}
}

var _ Gateway = (*PostgresGateway)(nil)

func (p *PostgresGateway) Get(ctx context.Context, id string) (*AgentProfile, error) {
	var doc []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT profile FROM agent_profiles WHERE id = $1
	`, id).Scan(&doc)

	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent profile: %w", err)
	}

	return decodeProfile(doc)
}

func (p *PostgresGateway) Put(ctx context.Context, profile *AgentProfile) error {
	doc, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("marshal agent profile: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO agent_profiles (id, signer, profile, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET signer = EXCLUDED.signer, profile = EXCLUDED.profile, updated_at = NOW()
	`, profile.ID, strings.ToLower(profile.Signer), doc)

	if err != nil {
		return fmt.Errorf("put agent profile: %w", err)
	}
	return nil
}

func (p *PostgresGateway) Scan(ctx context.Context) ([]*AgentProfile, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT profile FROM agent_profiles ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("scan agent profiles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectProfiles(rows)
}

func (p *PostgresGateway) ListByOwner(ctx context.Context, signer string) ([]*AgentProfile, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT profile FROM agent_profiles WHERE signer = $1 ORDER BY updated_at ASC
	`, strings.ToLower(signer))
	if err != nil {
		return nil, fmt.Errorf("list agent profiles by owner: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectProfiles(rows)
}

func collectProfiles(rows *sql.Rows) ([]*AgentProfile, error) {
	var out []*AgentProfile
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan profile row: %w", err)
		}
		profile, err := decodeProfile(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, profile)
	}
	return out, rows.Err()
}

func decodeProfile(doc []byte) (*AgentProfile, error) {
	var profile AgentProfile
	if err := json.Unmarshal(doc, &profile); err != nil {
		return nil, fmt.Errorf("unmarshal agent profile: %w", err)
	}
	return &profile, nil
}
