package volume

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"
)

// fakeDirect is a test double for DirectOutput.
type fakeDirect struct {
	mu      sync.Mutex
	db      float64
	sets    []float64
	err     error
	latency time.Duration
}

func (f *fakeDirect) GetVolume(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.db, f.err
}

func (f *fakeDirect) SetVolume(ctx context.Context, db float64) error {
	f.mu.Lock()
	latency, err := f.latency, f.err
	f.mu.Unlock()
	if latency > 0 {
		select {
		case <-time.After(latency):
		case <-ctx.Done():
		}
	}
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.db = db
	f.sets = append(f.sets, db)
	return nil
}

func (f *fakeDirect) setCalls() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.sets...)
}

// fakeFleet implements both ClientPlane and ClientEndpoint over one set of
// simulated clients. Addresses are "addr-<id>". The plane's reported level
// and the DSP level are tracked separately.
type fakeFleet struct {
	mu        sync.Mutex
	clients   map[string]*ClientInfo
	down      map[string]bool // by address
	dsp       map[string]float64
	endpoint  map[string][]float64
	planeSets int
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{
		clients:  make(map[string]*ClientInfo),
		down:     make(map[string]bool),
		dsp:      make(map[string]float64),
		endpoint: make(map[string][]float64),
	}
}

// add places a client with both its plane and DSP level at db.
func (f *fakeFleet) add(id string, db float64, muted bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clients[id] = &ClientInfo{ID: id, Address: "addr-" + id, VolumeDB: db, Muted: muted}
	f.dsp["addr-"+id] = db
}

// setPlane changes only the level the plane reports.
func (f *fakeFleet) setPlane(id string, db float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.clients[id]; ok {
		c.VolumeDB = db
	}
}

// setDSP changes only the DSP level, as a local control on the client would.
func (f *fakeFleet) setDSP(id string, db float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dsp["addr-"+id] = db
}

func (f *fakeFleet) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.clients, id)
}

func (f *fakeFleet) setDown(id string, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down["addr-"+id] = down
}

func (f *fakeFleet) writes(id string) []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.endpoint["addr-"+id]...)
}

func (f *fakeFleet) Clients(context.Context) ([]ClientInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ClientInfo, 0, len(f.clients))
	for _, c := range f.clients {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeFleet) SetClientVolume(_ context.Context, id string, db float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.planeSets++
	if c, ok := f.clients[id]; ok {
		c.VolumeDB = db
	}
	return nil
}

func (f *fakeFleet) SetClientMute(_ context.Context, id string, muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.clients[id]
	if !ok {
		return errors.New("no such client")
	}
	c.Muted = muted
	return nil
}

func (f *fakeFleet) GetVolume(_ context.Context, address string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[address] {
		return 0, errors.New("unreachable")
	}
	db, ok := f.dsp[address]
	if !ok {
		return 0, errors.New("unknown address")
	}
	return db, nil
}

func (f *fakeFleet) SetVolume(_ context.Context, address string, db float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down[address] {
		return errors.New("unreachable")
	}
	f.endpoint[address] = append(f.endpoint[address], db)
	f.dsp[address] = db
	return nil
}

// fakeQueue is an in-memory PendingQueue keeping the latest entry per kind.
type fakeQueue struct {
	mu      sync.Mutex
	entries map[string]map[string][]byte
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{entries: make(map[string]map[string][]byte)}
}

func (q *fakeQueue) Queue(_ context.Context, clientID, kind string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.entries[clientID] == nil {
		q.entries[clientID] = make(map[string][]byte)
	}
	q.entries[clientID][kind] = data
	return nil
}

func (q *fakeQueue) Replay(_ context.Context, clientID string, apply func(string, []byte) error) (int, error) {
	q.mu.Lock()
	pending := q.entries[clientID]
	delete(q.entries, clientID)
	q.mu.Unlock()

	n := 0
	for kind, data := range pending {
		if err := apply(kind, data); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (q *fakeQueue) has(clientID, kind string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[clientID][kind]
	return ok
}

// fakeNotifier records broadcasts.
type fakeNotifier struct {
	mu     sync.Mutex
	events []VolumeEvent
}

func (n *fakeNotifier) Broadcast(topic, event string, payload any) {
	if topic != TopicVolume || event != EventVolumeChanged {
		return
	}
	ev, ok := payload.(VolumeEvent)
	if !ok {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *fakeNotifier) snapshot() []VolumeEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]VolumeEvent(nil), n.events...)
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func testOptions() Options {
	return Options{
		OpTimeout:      2 * time.Second,
		EchoHold:       10 * time.Millisecond,
		Debounce:       10 * time.Millisecond,
		ClientCacheTTL: time.Nanosecond,
		SyncInterval:   time.Hour,
	}
}

func newDirectCoordinator(t *testing.T, dev *fakeDirect, n Notifier) *Coordinator {
	t.Helper()
	return New(Deps{
		Config:   NewVolumeConfig(newFakeSource(DefaultSettings()), testLogger()),
		Mode:     staticMode(false),
		Direct:   dev,
		Notifier: n,
		Logger:   testLogger(),
	}, testOptions())
}

func newMultiroomCoordinator(t *testing.T, fleet *fakeFleet, q PendingQueue) *Coordinator {
	t.Helper()
	c := New(Deps{
		Config:   NewVolumeConfig(newFakeSource(DefaultSettings()), testLogger()),
		Mode:     staticMode(true),
		Plane:    fleet,
		Endpoint: fleet,
		Pending:  q,
		Logger:   testLogger(),
	}, testOptions())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return c
}

func waitQuiet(t *testing.T, c *Coordinator) {
	t.Helper()
	waitUntil(t, time.Second, func() bool { return c.adjusting.Load() == 0 })
}
