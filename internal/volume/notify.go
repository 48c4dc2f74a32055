package volume

import "time"

// Notification topic and event names.
const (
	TopicVolume        = "volume"
	EventVolumeChanged = "volume_changed"
)

// VolumeEvent is the payload of a volume_changed notification.
type VolumeEvent struct {
	Volume   int            `json:"volume"`
	VolumeDB float64        `json:"volume_db"`
	Mode     string         `json:"mode"`
	ShowBar  bool           `json:"show_bar"`
	Clients  []ClientStatus `json:"clients,omitempty"`
}

// scheduleBroadcast arms the debounce timer. Changes inside one debounce
// window collapse into a single notification carrying the state at fire time.
// showBar is sticky within a window.
func (c *Coordinator) scheduleBroadcast(showBar bool) {
	if c.notifier == nil {
		return
	}
	c.bcMu.Lock()
	defer c.bcMu.Unlock()
	if c.bcClosed {
		return
	}
	c.bcShowBar = c.bcShowBar || showBar
	if c.bcTimer != nil {
		return
	}
	c.bcTimer = time.AfterFunc(c.opts.Debounce, c.emitBroadcast)
}

func (c *Coordinator) emitBroadcast() {
	c.bcMu.Lock()
	if c.bcClosed {
		c.bcMu.Unlock()
		return
	}
	showBar := c.bcShowBar
	c.bcShowBar = false
	c.bcTimer = nil
	c.bcMu.Unlock()

	db, _ := c.AverageVolumeDB()
	ev := VolumeEvent{
		Volume:   c.DisplayVolume(),
		VolumeDB: db,
		Mode:     c.modeName(),
		ShowBar:  showBar,
	}
	if c.mode.Multiroom() {
		ev.Clients = c.clientStatuses()
	}
	c.notifier.Broadcast(TopicVolume, EventVolumeChanged, ev)
}
