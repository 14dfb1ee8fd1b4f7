package store

import (
	"context"
	"fmt"
)

// SetOrganizationBillable flips downstream billing access for an organization.
// Writing the same value twice is a no-op.
func (s *PostgresStore) SetOrganizationBillable(ctx context.Context, organizationID string, billable bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE organizations SET billing_enabled = $2, updated_at = NOW()
		WHERE id = $1
	`, organizationID, billable)
	if err != nil {
		return fmt.Errorf("setting organization billable: %w", err)
	}
	return nil
}
