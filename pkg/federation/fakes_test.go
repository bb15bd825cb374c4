package federation

import (
	"fmt"
	"sync"

	"commune/pkg/store"
	"commune/pkg/wire"
)

// fakeDirectory is an in-memory ChannelDirectory for tests.
type fakeDirectory struct {
	mu       sync.Mutex
	channels []LocalChannel
	stats    store.ServerStats
	nextID   int
	renames  map[string]string
}

func newFakeDirectory(channels ...LocalChannel) *fakeDirectory {
	return &fakeDirectory{
		channels: channels,
		stats:    store.ServerStats{Users: 10, Channels: len(channels)},
		renames:  make(map[string]string),
	}
}

func (d *fakeDirectory) ListChannels() ([]LocalChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]LocalChannel, len(d.channels))
	copy(out, d.channels)
	return out, nil
}

func (d *fakeDirectory) FindChannel(localID string) (*LocalChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.channels {
		if d.channels[i].ID == localID {
			ch := d.channels[i]
			return &ch, nil
		}
	}
	return nil, nil
}

func (d *fakeDirectory) CreateShadowChannel(ch LocalChannel) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	ch.ID = fmt.Sprintf("shadow-%d", d.nextID)
	d.channels = append(d.channels, ch)
	return ch.ID, nil
}

func (d *fakeDirectory) RenameChannel(localID, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.channels {
		if d.channels[i].ID == localID {
			d.renames[localID] = newName
			d.channels[i].Name = newName
			return nil
		}
	}
	return fmt.Errorf("channel %q not found", localID)
}

func (d *fakeDirectory) Stats() (store.ServerStats, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats, nil
}

func (d *fakeDirectory) shadowCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, ch := range d.channels {
		if ch.Federated {
			n++
		}
	}
	return n
}

// fakePublisher records published local events.
type fakePublisher struct {
	mu       sync.Mutex
	messages []InboundMessage
	statuses []string
}

func (p *fakePublisher) PublishMessage(msg InboundMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
}

func (p *fakePublisher) PublishChannelUpdate(localChannelID, name, description string) {}

func (p *fakePublisher) PublishUserStatus(originServer, username, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, username+":"+status)
}

func (p *fakePublisher) PublishVoiceState(localChannelID, username string, joined, speaking bool) {}

func (p *fakePublisher) published() []InboundMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]InboundMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// sentEvent is one frame captured by fakeSender.
type sentEvent struct {
	Peer    string
	Type    wire.EventType
	Payload interface{}
}

// fakeSender captures events instead of sending them, with optional
// per-peer failures.
type fakeSender struct {
	mu     sync.Mutex
	events []sentEvent
	fail   map[string]error
}

func newFakeSender() *fakeSender {
	return &fakeSender{fail: make(map[string]error)}
}

func (f *fakeSender) Send(peerIdentity string, t wire.EventType, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[peerIdentity]; err != nil {
		return err
	}
	f.events = append(f.events, sentEvent{Peer: peerIdentity, Type: t, Payload: payload})
	return nil
}

func (f *fakeSender) sent(t wire.EventType) []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentEvent, 0)
	for _, e := range f.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
