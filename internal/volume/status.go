package volume

import "sort"

// Mode names as reported to observers.
const (
	ModeDirect    = "direct"
	ModeMultiroom = "multiroom"
)

// ClientStatus is the observable state of one multiroom client.
type ClientStatus struct {
	ID       string  `json:"id"`
	Address  string  `json:"address"`
	Volume   int     `json:"volume"`
	VolumeDB float64 `json:"volume_db"`
	Offset   float64 `json:"offset"`
	Muted    bool    `json:"muted"`
}

// Status is a point-in-time snapshot of the coordinator.
type Status struct {
	Mode      string         `json:"mode"`
	Volume    int            `json:"volume"`
	VolumeDB  float64        `json:"volume_db"`
	Global    float64        `json:"global"`
	Band      Band           `json:"band"`
	Steps     Steps          `json:"steps"`
	Clients   []ClientStatus `json:"clients,omitempty"`
	Adjusting bool           `json:"adjusting"`
}

func (c *Coordinator) modeName() string {
	if c.mode.Multiroom() {
		return ModeMultiroom
	}
	return ModeDirect
}

// Status returns a snapshot. It never waits on device I/O.
func (c *Coordinator) Status() Status {
	db, _ := c.AverageVolumeDB()
	s := Status{
		Mode:      c.modeName(),
		Volume:    c.DisplayVolume(),
		VolumeDB:  db,
		Band:      c.conv.Band(),
		Steps:     c.cfg.Current().Steps,
		Adjusting: c.adjusting.Load() > 0,
	}
	c.mu.RLock()
	s.Global = c.global
	c.mu.RUnlock()
	if c.mode.Multiroom() {
		s.Clients = c.clientStatuses()
	}
	return s
}

// clientStatuses lists clients sorted by ID.
func (c *Coordinator) clientStatuses() []ClientStatus {
	c.mu.RLock()
	out := make([]ClientStatus, 0, len(c.clients))
	for _, st := range c.clients {
		out = append(out, ClientStatus{
			ID:       st.ID,
			Address:  st.Address,
			Volume:   RoundDisplay(st.Precise),
			VolumeDB: RoundDevice(c.conv.ToDevice(st.Precise)),
			Offset:   st.Offset,
			Muted:    st.Muted,
		})
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
