package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/emil-guirguis/MeterTrack-sub006/internal/model"
)

// PhaseResult counts the modifications one sync phase made.
type PhaseResult struct {
	Inserted    int `json:"inserted"`
	Updated     int `json:"updated"`
	Deactivated int `json:"deactivated"`
}

// Total returns the number of rows the phase touched.
func (r PhaseResult) Total() int {
	return r.Inserted + r.Updated + r.Deactivated
}

// ConfigRepo provides transactional access to the configuration mirror
// tables (tenant, device_model, register, meter, device_register).
// Each Sync* method runs in its own transaction; a failure rolls back that
// phase only.
type ConfigRepo struct {
	db *sql.DB
}

// NewConfigRepo creates a repo over the shared pool.
func NewConfigRepo(db *sql.DB) *ConfigRepo {
	return &ConfigRepo{db: db}
}

// GetTenant returns the single local tenant row, or nil if none exists.
func (r *ConfigRepo) GetTenant(ctx context.Context) (*model.Tenant, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, name, street, city, zip_code, country, active, created_at, updated_at
		FROM tenant LIMIT 1`)
	var t model.Tenant
	err := row.Scan(&t.ID, &t.Name, &t.Street, &t.City, &t.ZipCode, &t.Country,
		&t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	return &t, nil
}

// UpsertTenant inserts or updates the single local tenant row.
func (r *ConfigRepo) UpsertTenant(ctx context.Context, t model.Tenant) (PhaseResult, error) {
	var result PhaseResult
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		var inserted bool
		err := tx.QueryRowContext(ctx, `
			INSERT INTO tenant (id, name, street, city, zip_code, country, active, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, now())
			ON CONFLICT (id) DO UPDATE SET
				name       = excluded.name,
				street     = excluded.street,
				city       = excluded.city,
				zip_code   = excluded.zip_code,
				country    = excluded.country,
				active     = excluded.active,
				updated_at = now()
			RETURNING (xmax = 0)`,
			t.ID, t.Name, t.Street, t.City, t.ZipCode, t.Country, t.Active,
		).Scan(&inserted)
		if err != nil {
			return fmt.Errorf("upsert tenant: %w", err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
		return nil
	})
	return result, err
}

// SyncRegisters mirrors the remote register definitions (and their device
// models) in one transaction. Local rows absent from the remote are marked
// inactive, never deleted.
func (r *ConfigRepo) SyncRegisters(ctx context.Context, models []model.DeviceModel, regs []model.RegisterDefinition) (PhaseResult, error) {
	var result PhaseResult
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		for _, dm := range models {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO device_model (id, manufacturer, model_number, type)
				VALUES ($1, $2, $3, $4)
				ON CONFLICT (id) DO UPDATE SET
					manufacturer = excluded.manufacturer,
					model_number = excluded.model_number,
					type         = excluded.type`,
				dm.ID, dm.Manufacturer, dm.ModelNumber, dm.Type); err != nil {
				return fmt.Errorf("upsert device model %s: %w", dm.ID, err)
			}
		}

		remote := make(map[registerKey]struct{}, len(regs))
		for _, reg := range regs {
			remote[registerKey{reg.DeviceModelID, reg.RegisterNumber}] = struct{}{}

			var inserted bool
			err := tx.QueryRowContext(ctx, `
				INSERT INTO register (id, device_model_id, register_number, field_name,
				                      unit, data_type, bacnet_object_type, bacnet_instance, property, active)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
				ON CONFLICT (device_model_id, register_number) DO UPDATE SET
					id                 = excluded.id,
					field_name         = excluded.field_name,
					unit               = excluded.unit,
					data_type          = excluded.data_type,
					bacnet_object_type = excluded.bacnet_object_type,
					bacnet_instance    = excluded.bacnet_instance,
					property           = excluded.property,
					active             = TRUE
				RETURNING (xmax = 0)`,
				reg.ID, reg.DeviceModelID, reg.RegisterNumber, reg.FieldName,
				reg.Unit, reg.DataType, reg.BACnetObjectType, reg.BACnetInstance, reg.Property,
			).Scan(&inserted)
			if err != nil {
				return fmt.Errorf("upsert register %s/%d: %w", reg.DeviceModelID, reg.RegisterNumber, err)
			}
			if inserted {
				result.Inserted++
			} else {
				result.Updated++
			}
		}

		local, err := activeRegisterKeys(ctx, tx)
		if err != nil {
			return err
		}
		for _, key := range local {
			if _, present := remote[key]; present {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE register SET active = FALSE WHERE device_model_id = $1 AND register_number = $2`,
				key.deviceModelID, key.registerNumber); err != nil {
				return fmt.Errorf("deactivate register %s/%d: %w", key.deviceModelID, key.registerNumber, err)
			}
			result.Deactivated++
		}
		return nil
	})
	return result, err
}

// SyncMeters mirrors the remote meter elements by composite key
// (meter_id, meter_element_id). Absent local rows are set inactive.
func (r *ConfigRepo) SyncMeters(ctx context.Context, meters []model.Meter) (PhaseResult, error) {
	var result PhaseResult
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		remote := make(map[model.MeterKey]struct{}, len(meters))
		for _, m := range meters {
			remote[m.Key()] = struct{}{}

			var inserted bool
			err := tx.QueryRowContext(ctx, `
				INSERT INTO meter (meter_id, meter_element_id, name, ip, port, active,
				                   device_model_id, tenant_id, location_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
				ON CONFLICT (meter_id, meter_element_id) DO UPDATE SET
					name            = excluded.name,
					ip              = excluded.ip,
					port            = excluded.port,
					active          = excluded.active,
					device_model_id = excluded.device_model_id,
					tenant_id       = excluded.tenant_id,
					location_id     = excluded.location_id
				RETURNING (xmax = 0)`,
				m.MeterID, m.ElementID, m.Name, m.IP, m.Port, m.Active,
				m.DeviceModelID, m.TenantID, m.LocationID,
			).Scan(&inserted)
			if err != nil {
				return fmt.Errorf("upsert meter %s: %w", m.Key(), err)
			}
			if inserted {
				result.Inserted++
			} else {
				result.Updated++
			}
		}

		local, err := activeMeterKeys(ctx, tx)
		if err != nil {
			return err
		}
		for _, key := range local {
			if _, present := remote[key]; present {
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE meter SET active = FALSE WHERE meter_id = $1 AND meter_element_id = $2`,
				key.MeterID, key.ElementID); err != nil {
				return fmt.Errorf("deactivate meter %s: %w", key, err)
			}
			result.Deactivated++
		}
		return nil
	})
	return result, err
}

// SyncDeviceRegisters mirrors the remote device/register join table.
func (r *ConfigRepo) SyncDeviceRegisters(ctx context.Context, assocs []model.DeviceRegister) (PhaseResult, error) {
	var result PhaseResult
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		type assocKey struct{ deviceModelID, registerID string }
		remote := make(map[assocKey]struct{}, len(assocs))
		for _, a := range assocs {
			remote[assocKey{a.DeviceModelID, a.RegisterID}] = struct{}{}

			var inserted bool
			err := tx.QueryRowContext(ctx, `
				INSERT INTO device_register (device_model_id, register_id, active)
				VALUES ($1, $2, TRUE)
				ON CONFLICT (device_model_id, register_id) DO UPDATE SET active = TRUE
				RETURNING (xmax = 0)`,
				a.DeviceModelID, a.RegisterID,
			).Scan(&inserted)
			if err != nil {
				return fmt.Errorf("upsert device_register %s/%s: %w", a.DeviceModelID, a.RegisterID, err)
			}
			if inserted {
				result.Inserted++
			} else {
				result.Updated++
			}
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT device_model_id, register_id FROM device_register WHERE active`)
		if err != nil {
			return fmt.Errorf("list device_register: %w", err)
		}
		defer rows.Close()

		var stale []assocKey
		for rows.Next() {
			var key assocKey
			if err := rows.Scan(&key.deviceModelID, &key.registerID); err != nil {
				return fmt.Errorf("scan device_register: %w", err)
			}
			if _, present := remote[key]; !present {
				stale = append(stale, key)
			}
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, key := range stale {
			if _, err := tx.ExecContext(ctx,
				`UPDATE device_register SET active = FALSE WHERE device_model_id = $1 AND register_id = $2`,
				key.deviceModelID, key.registerID); err != nil {
				return fmt.Errorf("deactivate device_register %s/%s: %w", key.deviceModelID, key.registerID, err)
			}
			result.Deactivated++
		}
		return nil
	})
	return result, err
}

// LoadRegisters returns all active register definitions ordered by device
// model and register number, for cache building.
func (r *ConfigRepo) LoadRegisters(ctx context.Context) ([]model.RegisterDefinition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, device_model_id, register_number, field_name, unit, data_type,
		       bacnet_object_type, bacnet_instance, property, active
		FROM register
		WHERE active
		ORDER BY device_model_id, register_number`)
	if err != nil {
		return nil, fmt.Errorf("load registers: %w", err)
	}
	defer rows.Close()

	var out []model.RegisterDefinition
	for rows.Next() {
		var reg model.RegisterDefinition
		if err := rows.Scan(&reg.ID, &reg.DeviceModelID, &reg.RegisterNumber, &reg.FieldName,
			&reg.Unit, &reg.DataType, &reg.BACnetObjectType, &reg.BACnetInstance,
			&reg.Property, &reg.Active); err != nil {
			return nil, fmt.Errorf("scan register: %w", err)
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

// LoadMeters returns all meter rows (active and inactive) for cache building.
func (r *ConfigRepo) LoadMeters(ctx context.Context) ([]model.Meter, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT meter_id, meter_element_id, name, ip, port, active,
		       device_model_id, tenant_id, COALESCE(location_id, '')
		FROM meter
		ORDER BY meter_id, meter_element_id`)
	if err != nil {
		return nil, fmt.Errorf("load meters: %w", err)
	}
	defer rows.Close()

	var out []model.Meter
	for rows.Next() {
		var m model.Meter
		if err := rows.Scan(&m.MeterID, &m.ElementID, &m.Name, &m.IP, &m.Port,
			&m.Active, &m.DeviceModelID, &m.TenantID, &m.LocationID); err != nil {
			return nil, fmt.Errorf("scan meter: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- helpers ---

type registerKey struct {
	deviceModelID  string
	registerNumber int
}

func activeRegisterKeys(ctx context.Context, tx *sql.Tx) ([]registerKey, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT device_model_id, register_number FROM register WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("list active registers: %w", err)
	}
	defer rows.Close()

	var keys []registerKey
	for rows.Next() {
		var key registerKey
		if err := rows.Scan(&key.deviceModelID, &key.registerNumber); err != nil {
			return nil, fmt.Errorf("scan register key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func activeMeterKeys(ctx context.Context, tx *sql.Tx) ([]model.MeterKey, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT meter_id, meter_element_id FROM meter WHERE active`)
	if err != nil {
		return nil, fmt.Errorf("list active meters: %w", err)
	}
	defer rows.Close()

	var keys []model.MeterKey
	for rows.Next() {
		var key model.MeterKey
		if err := rows.Scan(&key.MeterID, &key.ElementID); err != nil {
			return nil, fmt.Errorf("scan meter key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (r *ConfigRepo) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
