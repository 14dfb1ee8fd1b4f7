package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/praxishq/eventpipe/internal/domain"
)

const accountColumns = `id, organization_id, provider_account_id, charges_enabled,
	payouts_enabled, details_submitted, capabilities, external_accounts,
	requirements, last_payout_status, last_payout_at, created_at, updated_at`

// GetAccountByProviderID returns the connected account for a provider-issued
// account id, or nil if the system never created one.
func (s *PostgresStore) GetAccountByProviderID(ctx context.Context, providerAccountID string) (*domain.ConnectedAccount, error) {
	var acct domain.ConnectedAccount
	var capabilities, externalAccounts []byte
	err := s.pool.QueryRow(ctx, `
		SELECT `+accountColumns+` FROM connected_accounts WHERE provider_account_id = $1
	`, providerAccountID).Scan(
		&acct.ID, &acct.OrganizationID, &acct.ProviderAccountID, &acct.ChargesEnabled,
		&acct.PayoutsEnabled, &acct.DetailsSubmitted, &capabilities, &externalAccounts,
		&acct.Requirements, &acct.LastPayoutStatus, &acct.LastPayoutAt,
		&acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying connected account: %w", err)
	}

	if len(capabilities) > 0 {
		if err := json.Unmarshal(capabilities, &acct.Capabilities); err != nil {
			return nil, fmt.Errorf("decoding capabilities: %w", err)
		}
	}
	if len(externalAccounts) > 0 {
		if err := json.Unmarshal(externalAccounts, &acct.ExternalAccounts); err != nil {
			return nil, fmt.Errorf("decoding external accounts: %w", err)
		}
	}

	return &acct, nil
}

// AccountFlagsUpdate carries the top-level provider state applied by
// account.updated. Capability and requirement blobs are merged key-wise
// so unrelated entries survive.
type AccountFlagsUpdate struct {
	ChargesEnabled   bool
	PayoutsEnabled   bool
	DetailsSubmitted bool
	Capabilities     json.RawMessage
	Requirements     json.RawMessage
}

// UpdateAccountFlags applies the provider's top-level account view.
// Setting the same values twice is a no-op, so re-running the handler with
// the same payload is safe.
func (s *PostgresStore) UpdateAccountFlags(ctx context.Context, providerAccountID string, u AccountFlagsUpdate) error {
	capabilities := u.Capabilities
	if len(capabilities) == 0 {
		capabilities = json.RawMessage(`{}`)
	}
	requirements := u.Requirements
	if len(requirements) == 0 {
		requirements = json.RawMessage(`{}`)
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE connected_accounts
		SET charges_enabled = $2,
		    payouts_enabled = $3,
		    details_submitted = $4,
		    capabilities = capabilities || $5::jsonb,
		    requirements = requirements || $6::jsonb,
		    updated_at = NOW()
		WHERE provider_account_id = $1
	`, providerAccountID, u.ChargesEnabled, u.PayoutsEnabled, u.DetailsSubmitted,
		capabilities, requirements)
	if err != nil {
		return fmt.Errorf("updating account flags: %w", err)
	}
	return nil
}

// MergeCapability sets a single entry in the account's capability map,
// leaving all other capability ids untouched.
func (s *PostgresStore) MergeCapability(ctx context.Context, providerAccountID, capabilityID string, capability domain.Capability) error {
	value, err := json.Marshal(capability)
	if err != nil {
		return fmt.Errorf("encoding capability: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE connected_accounts
		SET capabilities = capabilities || jsonb_build_object($2::text, $3::jsonb),
		    updated_at = NOW()
		WHERE provider_account_id = $1
	`, providerAccountID, capabilityID, value)
	if err != nil {
		return fmt.Errorf("merging capability: %w", err)
	}
	return nil
}

// MergeExternalAccount sets one entry in the external accounts map keyed by
// the provider's sub-object id.
func (s *PostgresStore) MergeExternalAccount(ctx context.Context, providerAccountID, externalID string, object json.RawMessage) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connected_accounts
		SET external_accounts = external_accounts || jsonb_build_object($2::text, $3::jsonb),
		    updated_at = NOW()
		WHERE provider_account_id = $1
	`, providerAccountID, externalID, object)
	if err != nil {
		return fmt.Errorf("merging external account: %w", err)
	}
	return nil
}

// RemoveExternalAccount deletes one entry from the external accounts map.
func (s *PostgresStore) RemoveExternalAccount(ctx context.Context, providerAccountID, externalID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connected_accounts
		SET external_accounts = external_accounts - $2,
		    updated_at = NOW()
		WHERE provider_account_id = $1
	`, providerAccountID, externalID)
	if err != nil {
		return fmt.Errorf("removing external account: %w", err)
	}
	return nil
}

// DisableAccount clears the enabled flags when the provider reports the
// account deauthorized.
func (s *PostgresStore) DisableAccount(ctx context.Context, providerAccountID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connected_accounts
		SET charges_enabled = false, payouts_enabled = false, updated_at = NOW()
		WHERE provider_account_id = $1
	`, providerAccountID)
	if err != nil {
		return fmt.Errorf("disabling account: %w", err)
	}
	return nil
}

// UpdatePayoutStatus records the most recent payout outcome on the account.
func (s *PostgresStore) UpdatePayoutStatus(ctx context.Context, providerAccountID, status string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE connected_accounts
		SET last_payout_status = $2, last_payout_at = $3, updated_at = NOW()
		WHERE provider_account_id = $1
	`, providerAccountID, status, at)
	if err != nil {
		return fmt.Errorf("updating payout status: %w", err)
	}
	return nil
}
