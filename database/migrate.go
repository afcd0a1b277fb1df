package database

import (
	"fmt"

	"gorm.io/gorm"

	"msgcommerce-backend/models"
)

// tenantTables are row-level secured on merchant_id.
var tenantTables = []string{"inbound_messages"}

// Migrate creates the tables, the session helper functions and the RLS policies.
// All statements are idempotent.
func Migrate(db *gorm.DB, s Session) error {
	if _, err := NewSession(s.TenantVar, s.AdminVar); err != nil {
		return err
	}

	return db.Transaction(func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&models.MerchantChannel{},
			&models.InboundMessage{},
			&models.AuditEvent{},
		); err != nil {
			return fmt.Errorf("automigrate failed: %w", err)
		}

		// setting names are validated above, so interpolation is safe
		funcs := []string{
			fmt.Sprintf(`CREATE OR REPLACE FUNCTION current_merchant_id() RETURNS uuid
LANGUAGE sql STABLE AS $$
	SELECT NULLIF(current_setting('%s', true), '')::uuid
$$`, s.TenantVar),
			fmt.Sprintf(`CREATE OR REPLACE FUNCTION is_admin_mode() RETURNS boolean
LANGUAGE sql STABLE AS $$
	SELECT COALESCE(NULLIF(current_setting('%s', true), '')::boolean, false)
$$`, s.AdminVar),
			fmt.Sprintf(`CREATE OR REPLACE FUNCTION set_merchant_context(merchant uuid) RETURNS void
LANGUAGE sql AS $$
	SELECT set_config('%s', merchant::text, true)
$$`, s.TenantVar),
		}
		for _, stmt := range funcs {
			if err := tx.Exec(stmt).Error; err != nil {
				return fmt.Errorf("helper function migration failed: %w", err)
			}
		}

		for _, table := range tenantTables {
			stmts := []string{
				fmt.Sprintf(`ALTER TABLE %s ENABLE ROW LEVEL SECURITY`, table),
				fmt.Sprintf(`ALTER TABLE %s FORCE ROW LEVEL SECURITY`, table),
				fmt.Sprintf(`DO $$
BEGIN
	IF NOT EXISTS (
		SELECT 1 FROM pg_policies
		WHERE tablename  = '%[1]s'
		  AND policyname = '%[1]s_tenant_isolation'
	) THEN
		CREATE POLICY %[1]s_tenant_isolation ON %[1]s
		USING (merchant_id = current_merchant_id() OR is_admin_mode())
		WITH CHECK (merchant_id = current_merchant_id() OR is_admin_mode());
	END IF;
END $$;`, table),
			}
			for _, stmt := range stmts {
				if err := tx.Exec(stmt).Error; err != nil {
					return fmt.Errorf("rls migration failed on %s: %w", table, err)
				}
			}
		}
		return nil
	})
}
