package snapcast

import (
	"context"
	"fmt"

	"multivol/internal/volume"
)

// Plane exposes a Client as the coordinator's client plane, in dB.
type Plane struct {
	client *Client
	scale  Scale
}

// NewPlane wraps client.
func NewPlane(client *Client, scale Scale) *Plane {
	return &Plane{client: client, scale: scale}
}

// Clients lists connected clients only.
func (p *Plane) Clients(ctx context.Context) ([]volume.ClientInfo, error) {
	all, err := p.client.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("snapcast status: %w", err)
	}
	out := make([]volume.ClientInfo, 0, len(all))
	for _, ci := range all {
		if !ci.Connected {
			continue
		}
		out = append(out, volume.ClientInfo{
			ID:       ci.ID,
			Address:  ci.Address,
			VolumeDB: p.scale.ToDB(ci.Percent),
			Muted:    ci.Muted,
		})
	}
	return out, nil
}

// SetClientVolume mirrors db onto the client's Snapcast percent.
func (p *Plane) SetClientVolume(ctx context.Context, id string, db float64) error {
	return p.client.SetPercent(ctx, id, p.scale.ToPercent(db))
}

// SetClientMute sets the client's Snapcast mute flag.
func (p *Plane) SetClientMute(ctx context.Context, id string, muted bool) error {
	return p.client.SetMuted(ctx, id, muted)
}

// ConverterScale maps percent onto display units of a volume converter.
type ConverterScale struct {
	Conv *volume.Converter
}

// ToPercent converts db to the rounded display volume.
func (s ConverterScale) ToPercent(db float64) int {
	return volume.RoundDisplay(s.Conv.ToDisplay(db))
}

// ToDB converts a display percent to dB.
func (s ConverterScale) ToDB(percent int) float64 {
	return volume.RoundDevice(s.Conv.ToDevice(float64(percent)))
}
