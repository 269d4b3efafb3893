package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"netsentry/internal/schema"
)

const deviceColumns = `id, name, ip_address, mac_address, status, discovered, created_at`

// CreateDevice inserts a device. Normally devices are owned by the
// device-management service; this subsystem creates rows only for
// discovery messages with unknown MACs (and for tests).
func (s *Store) CreateDevice(ctx context.Context, dev *schema.Device) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (`+deviceColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		dev.ID.String(), dev.Name, dev.IPAddress, dev.MACAddress,
		dev.Status, dev.Discovered, dev.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return NewStoreError("CreateDevice", "devices", ErrConflict)
		}
		return NewStoreError("CreateDevice", "devices", err)
	}
	return nil
}

// UpsertDiscovered applies a discovery payload: an existing MAC gets its
// status (and IP, when supplied) refreshed; an unknown MAC creates an
// undiscovered device. Returns the stored device and whether it was
// created.
func (s *Store) UpsertDiscovered(ctx context.Context, p schema.DiscoveryPayload) (*schema.Device, bool, error) {
	_, err := s.DeviceByMAC(ctx, p.MACAddress)
	switch {
	case err == nil:
		if p.IPAddress != "" {
			_, err = s.db.ExecContext(ctx,
				`UPDATE devices SET status = ?, ip_address = ? WHERE mac_address = ?`,
				p.Status, p.IPAddress, p.MACAddress)
		} else {
			_, err = s.db.ExecContext(ctx,
				`UPDATE devices SET status = ? WHERE mac_address = ?`,
				p.Status, p.MACAddress)
		}
		if err != nil {
			return nil, false, NewStoreError("UpsertDiscovered", "devices", err)
		}
		updated, err := s.DeviceByMAC(ctx, p.MACAddress)
		if err != nil {
			return nil, false, err
		}
		return updated, false, nil

	case IsNotFound(err):
		dev := &schema.Device{
			ID:         uuid.New(),
			Name:       p.Name,
			IPAddress:  p.IPAddress,
			MACAddress: p.MACAddress,
			Status:     p.Status,
			Discovered: false,
			CreatedAt:  time.Now().UTC(),
		}
		if err := s.CreateDevice(ctx, dev); err != nil {
			return nil, false, err
		}
		return dev, true, nil

	default:
		return nil, false, err
	}
}

// DeviceByID returns one device by ID.
func (s *Store) DeviceByID(ctx context.Context, id uuid.UUID) (*schema.Device, error) {
	return s.device(ctx, `id = ?`, id.String())
}

// DeviceByMAC returns one device by hardware address.
func (s *Store) DeviceByMAC(ctx context.Context, mac string) (*schema.Device, error) {
	return s.device(ctx, `mac_address = ?`, mac)
}

// DeviceByIP returns one device by its recorded address.
func (s *Store) DeviceByIP(ctx context.Context, ip string) (*schema.Device, error) {
	if ip == "" {
		return nil, WrapNotFoundError("DeviceByIP", "devices", "")
	}
	return s.device(ctx, `ip_address = ?`, ip)
}

func (s *Store) device(ctx context.Context, where string, arg any) (*schema.Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE `+where, arg)
	dev, err := scanDevice(row)
	if err == sql.ErrNoRows {
		return nil, WrapNotFoundError("Device", "devices", "")
	}
	if err != nil {
		return nil, NewStoreError("Device", "devices", err)
	}
	return dev, nil
}

// DeviceAddresses returns the non-empty recorded addresses of all known
// devices. The internal/external heuristic matches against this set.
func (s *Store) DeviceAddresses(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ip_address FROM devices WHERE ip_address != ''`)
	if err != nil {
		return nil, NewStoreError("DeviceAddresses", "devices", err)
	}
	defer rows.Close()

	var addrs []string
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return nil, NewStoreError("DeviceAddresses", "devices", err)
		}
		addrs = append(addrs, addr)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("DeviceAddresses", "devices", err)
	}
	return addrs, nil
}

// LinkUserToDevice records a device-to-user link. Link ownership belongs
// to the device-management service; this exists for tests and seeding.
func (s *Store) LinkUserToDevice(ctx context.Context, deviceID, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO device_links (device_id, user_id) VALUES (?, ?)`,
		deviceID.String(), userID.String())
	if err != nil {
		return NewStoreError("LinkUserToDevice", "device_links", err)
	}
	return nil
}

// UsersLinkedToDevice returns the users linked to a device.
func (s *Store) UsersLinkedToDevice(ctx context.Context, deviceID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id FROM device_links WHERE device_id = ? ORDER BY user_id`,
		deviceID.String())
	if err != nil {
		return nil, NewStoreError("UsersLinkedToDevice", "device_links", err)
	}
	defer rows.Close()

	var users []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, NewStoreError("UsersLinkedToDevice", "device_links", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, NewStoreError("UsersLinkedToDevice", "device_links", err)
		}
		users = append(users, id)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStoreError("UsersLinkedToDevice", "device_links", err)
	}
	return users, nil
}

// UserLinkedToDevice reports whether the user is linked to the device.
func (s *Store) UserLinkedToDevice(ctx context.Context, userID, deviceID uuid.UUID) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM device_links WHERE device_id = ? AND user_id = ?`,
		deviceID.String(), userID.String()).Scan(&n)
	if err != nil {
		return false, NewStoreError("UserLinkedToDevice", "device_links", err)
	}
	return n > 0, nil
}

func scanDevice(r rowScanner) (*schema.Device, error) {
	var (
		dev schema.Device
		id  string
	)
	if err := r.Scan(&id, &dev.Name, &dev.IPAddress, &dev.MACAddress,
		&dev.Status, &dev.Discovered, &dev.CreatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	dev.ID = parsed
	return &dev, nil
}
