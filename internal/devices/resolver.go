// Package devices resolves flow addresses against the registered device
// set: internal/external classification and device lookup.
package devices

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"netsentry/internal/schema"
	"netsentry/internal/store"
)

// Directory is the device lookup surface the resolver needs.
type Directory interface {
	DeviceAddresses(ctx context.Context) ([]string, error)
	DeviceByID(ctx context.Context, id uuid.UUID) (*schema.Device, error)
	DeviceByIP(ctx context.Context, ip string) (*schema.Device, error)
}

// Resolver classifies addresses and resolves flows to devices.
type Resolver struct {
	dir    Directory
	logger *slog.Logger
}

// NewResolver creates a resolver over the given device directory.
func NewResolver(dir Directory, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{dir: dir, logger: logger}
}

// firstTwoOctets returns "a.b" for a dotted address, or "" when the
// address has no such prefix.
func firstTwoOctets(addr string) string {
	parts := strings.SplitN(addr, ".", 3)
	if len(parts) < 3 {
		return ""
	}
	return parts[0] + "." + parts[1]
}

// IsInternal reports whether the first two dotted octets of addr match
// those of any known device address. This is a neighborhood heuristic,
// not a prefix-table lookup: it tolerates DHCP churn inside the home
// /16-like range at the cost of false classifications for unregistered
// devices and numerically adjacent foreign subnets.
func (r *Resolver) IsInternal(ctx context.Context, addr string) (bool, error) {
	prefix := firstTwoOctets(addr)
	if prefix == "" {
		return false, nil
	}

	known, err := r.dir.DeviceAddresses(ctx)
	if err != nil {
		return false, err
	}
	for _, k := range known {
		if firstTwoOctets(k) == prefix {
			return true, nil
		}
	}
	return false, nil
}

// FindExternalAddress returns the flow's source address if external,
// else the destination address if external, else "".
func (r *Resolver) FindExternalAddress(ctx context.Context, flow *schema.FlowRecord) (string, error) {
	if flow.SrcIP != "" {
		internal, err := r.IsInternal(ctx, flow.SrcIP)
		if err != nil {
			return "", err
		}
		if !internal {
			return flow.SrcIP, nil
		}
	}
	if flow.DstIP != "" {
		internal, err := r.IsInternal(ctx, flow.DstIP)
		if err != nil {
			return "", err
		}
		if !internal {
			return flow.DstIP, nil
		}
	}
	return "", nil
}

// Resolve finds the device a flow belongs to. A known explicit device ID
// wins; otherwise the flow's source address is tried, then the
// destination. Returns nil with no error when nothing matches: the alert
// is still raised, it just has no fan-out target.
func (r *Resolver) Resolve(ctx context.Context, explicitID string, flow *schema.FlowRecord) (*schema.Device, error) {
	if explicitID != "" {
		id, err := uuid.Parse(explicitID)
		if err == nil {
			dev, err := r.dir.DeviceByID(ctx, id)
			if err == nil {
				return dev, nil
			}
			if !store.IsNotFound(err) {
				return nil, err
			}
		} else {
			r.logger.Debug("ignoring malformed explicit device id", "device_id", explicitID)
		}
	}

	if flow == nil {
		return nil, nil
	}

	for _, addr := range []string{flow.SrcIP, flow.DstIP} {
		if addr == "" {
			continue
		}
		dev, err := r.dir.DeviceByIP(ctx, addr)
		if err == nil {
			return dev, nil
		}
		if !store.IsNotFound(err) {
			return nil, err
		}
	}
	return nil, nil
}
