package port

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"apexhv/internal/hypervisor/clock"
	apperrors "apexhv/pkg/errors"
)

// Endpoint names a port of a partition.
type Endpoint struct {
	Partition string
	Port      string
}

func (e Endpoint) String() string {
	return e.Partition + ":" + e.Port
}

// ChannelSpec is the load-time declaration of a channel.
type ChannelSpec struct {
	Name          string
	Kind          Kind
	MsgSize       int
	MsgNum        int
	Overflow      OverflowPolicy
	RefreshPeriod time.Duration
	Source        Endpoint
	Destinations  []Endpoint
}

// Channel is an allocated channel and its backing port. Port memory is
// released by Registry.Close; code running concurrently with Close goes
// through QueueStatus instead of touching Port.
type Channel struct {
	Spec   ChannelSpec
	Port   Port
	region Region
	reg    *Registry
}

// QueueStatus reports the state of a queuing channel. It returns false for
// sampling channels and once the registry has been closed.
func (c *Channel) QueueStatus() (QueueStatus, bool) {
	c.reg.mu.RLock()
	defer c.reg.mu.RUnlock()
	if c.reg.closed {
		return QueueStatus{}, false
	}
	q, ok := c.Port.(*Queuing)
	if !ok {
		return QueueStatus{}, false
	}
	return q.Status(), true
}

// Binding resolves an endpoint to its channel and role.
type Binding struct {
	ID        int
	Endpoint  Endpoint
	Channel   *Channel
	Direction Direction
}

// OpenRequest is a partition's create-port call.
type OpenRequest struct {
	Name      string
	Kind      Kind
	Direction Direction
	// MsgSize is the size the partition expects; zero accepts the channel's.
	MsgSize int
}

// Registry owns every channel for the lifetime of the hypervisor. Channel
// memory persists across partition restarts; only the per-partition set of
// opened ports is dropped on restart.
type Registry struct {
	clock    clock.Clock
	alloc    Allocator
	mu       sync.RWMutex
	channels []*Channel
	byName   map[string]*Channel
	bindings map[Endpoint]*Binding
	byID     []*Binding
	opened   map[Endpoint]bool
	closed   bool
}

// NewRegistry creates an empty registry allocating regions with alloc.
func NewRegistry(clk clock.Clock, alloc Allocator) *Registry {
	if alloc == nil {
		alloc = HeapAllocator
	}
	return &Registry{
		clock:    clk,
		alloc:    alloc,
		byName:   make(map[string]*Channel),
		bindings: make(map[Endpoint]*Binding),
		opened:   make(map[Endpoint]bool),
	}
}

// Declare allocates the channel described by spec.
func (r *Registry) Declare(spec ChannelSpec) (*Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, apperrors.New(apperrors.ChannelInvalid).WithMessage("registry is closed")
	}
	if spec.Name == "" {
		spec.Name = spec.Source.String()
	}
	if _, ok := r.byName[spec.Name]; ok {
		return nil, apperrors.ConfigError(apperrors.ChannelInvalid, spec.Name, "duplicate channel name")
	}
	switch spec.Kind {
	case KindSampling:
		if len(spec.Destinations) == 0 {
			return nil, apperrors.ConfigError(apperrors.ChannelInvalid, spec.Name, "sampling channel needs at least one destination")
		}
	case KindQueuing:
		if len(spec.Destinations) != 1 {
			return nil, apperrors.ConfigError(apperrors.ChannelInvalid, spec.Name, "queuing channel needs exactly one destination")
		}
	}
	endpoints := append([]Endpoint{spec.Source}, spec.Destinations...)
	seen := make(map[Endpoint]bool, len(endpoints))
	for _, ep := range endpoints {
		if ep.Partition == "" || ep.Port == "" {
			return nil, apperrors.ConfigError(apperrors.ChannelInvalid, spec.Name, "endpoint needs partition and port")
		}
		if _, ok := r.bindings[ep]; ok || seen[ep] {
			return nil, apperrors.ConfigError(apperrors.ChannelInvalid, spec.Name, fmt.Sprintf("port %s is already bound", ep))
		}
		seen[ep] = true
	}

	var size int
	if spec.Kind == KindQueuing {
		size = QueuingRegionSize(spec.MsgSize, spec.MsgNum)
	} else {
		size = SamplingRegionSize(spec.MsgSize)
	}
	region, err := r.alloc(spec.Name, size)
	if err != nil {
		return nil, apperrors.Wrapf(err, apperrors.ChannelInvalid, "allocate channel %s", spec.Name)
	}

	var p Port
	if spec.Kind == KindQueuing {
		p, err = NewQueuing(region, spec.MsgSize, spec.MsgNum, spec.Overflow)
	} else {
		p, err = NewSampling(region, spec.MsgSize, spec.RefreshPeriod, r.clock)
	}
	if err != nil {
		_ = region.Close()
		return nil, err
	}

	ch := &Channel{Spec: spec, Port: p, region: region, reg: r}
	r.channels = append(r.channels, ch)
	r.byName[spec.Name] = ch
	r.bind(ch, spec.Source, Source)
	for _, dst := range spec.Destinations {
		r.bind(ch, dst, Destination)
	}
	return ch, nil
}

func (r *Registry) bind(ch *Channel, ep Endpoint, dir Direction) {
	b := &Binding{ID: len(r.byID) + 1, Endpoint: ep, Channel: ch, Direction: dir}
	r.byID = append(r.byID, b)
	r.bindings[ep] = b
}

// Open validates a partition's create-port call against the declaration and
// marks the port usable. The second result reports whether it was already open.
func (r *Registry) Open(partition string, req OpenRequest) (*Binding, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep := Endpoint{Partition: partition, Port: req.Name}
	b, ok := r.bindings[ep]
	if !ok {
		return nil, false, apperrors.Newf(apperrors.PortNotFound, "port %s is not declared", ep)
	}
	if b.Channel.Spec.Kind != req.Kind {
		return nil, false, apperrors.Newf(apperrors.ChannelInvalid, "port %s is a %s port", ep, b.Channel.Spec.Kind)
	}
	if b.Direction != req.Direction {
		return nil, false, apperrors.Newf(apperrors.PortDirection, "port %s is a %s port", ep, b.Direction)
	}
	if req.MsgSize > b.Channel.Spec.MsgSize {
		return nil, false, apperrors.Newf(apperrors.ChannelInvalid, "port %s: msg_size %d exceeds channel msg_size %d",
			ep, req.MsgSize, b.Channel.Spec.MsgSize)
	}
	already := r.opened[ep]
	r.opened[ep] = true
	return b, already, nil
}

// Resolve returns an opened binding by id, checking it belongs to partition.
func (r *Registry) Resolve(partition string, id int) (*Binding, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id <= 0 || id > len(r.byID) {
		return nil, apperrors.Newf(apperrors.PortNotFound, "unknown port id %d", id)
	}
	b := r.byID[id-1]
	if b.Endpoint.Partition != partition {
		return nil, apperrors.Newf(apperrors.PortNotFound, "port id %d does not belong to %s", id, partition)
	}
	if !r.opened[b.Endpoint] {
		return nil, apperrors.Newf(apperrors.PortNotCreated, "port %s has not been created", b.Endpoint)
	}
	return b, nil
}

// Lookup returns the binding of an endpoint whether opened or not.
func (r *Registry) Lookup(ep Endpoint) (*Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[ep]
	return b, ok
}

// Release forgets every port opened by partition. Called when it restarts.
func (r *Registry) Release(partition string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ep := range r.opened {
		if ep.Partition == partition {
			delete(r.opened, ep)
		}
	}
}

// ResetOwned clears channel state owned by partition: every channel it is the
// source of and every queuing channel it consumes. Used on cold restart.
func (r *Registry) ResetOwned(partition string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var reset []string
	for _, ch := range r.channels {
		owned := ch.Spec.Source.Partition == partition
		if !owned && ch.Spec.Kind == KindQueuing {
			owned = ch.Spec.Destinations[0].Partition == partition
		}
		if owned {
			ch.Port.Reset()
			reset = append(reset, ch.Spec.Name)
		}
	}
	return reset
}

// ReaderFile is a read-only handle on the region of a sampling destination.
type ReaderFile struct {
	Port string
	File *os.File
}

// ReaderFiles opens a read-only handle on every sampling channel partition
// reads from, in port id order. Channels whose region cannot be shared are
// skipped; the partition reads those through calls. The caller owns the files.
func (r *Registry) ReaderFiles(partition string) ([]ReaderFile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return nil, apperrors.New(apperrors.ChannelInvalid).WithMessage("registry is closed")
	}
	var out []ReaderFile
	for _, b := range r.byID {
		if b.Endpoint.Partition != partition || b.Direction != Destination || b.Channel.Spec.Kind != KindSampling {
			continue
		}
		shared, ok := b.Channel.region.(SharedRegion)
		if !ok {
			continue
		}
		f, err := shared.OpenReadOnly()
		if err != nil {
			for _, rf := range out {
				_ = rf.File.Close()
			}
			return nil, apperrors.Wrapf(err, apperrors.ChannelInvalid, "share channel %s", b.Channel.Spec.Name)
		}
		out = append(out, ReaderFile{Port: b.Endpoint.Port, File: f})
	}
	return out, nil
}

// Channels returns the declared channels sorted by name. It is empty once the
// registry is closed.
func (r *Registry) Channels() []*Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Channel, len(r.channels))
	copy(out, r.channels)
	sort.Slice(out, func(i, j int) bool { return out[i].Spec.Name < out[j].Spec.Name })
	return out
}

// Close releases every region. Channels handed out earlier report closed
// afterwards.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	var firstErr error
	for _, ch := range r.channels {
		if err := ch.region.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.channels = nil
	return firstErr
}
