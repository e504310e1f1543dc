// Package instance manages the value slots of a signal: reservation,
// activation, timetag ordering, overflow stealing and release.
package instance

import (
	"errors"
	"sort"
	"time"

	"github.com/libmapper/libmapper/timetag"
	"github.com/libmapper/libmapper/utils"
	"github.com/libmapper/libmapper/value"
)

var (
	ErrOverflow = errors.New("mapper: instance limit reached")
	ErrStale    = errors.New("mapper: update older than current value")
	ErrUnknown  = errors.New("mapper: unknown instance")
)

// Status is a bit so that counts can be taken over several states at once.
type Status uint8

const (
	Unreserved Status = 0
	Reserved   Status = 0x01
	Staged     Status = 0x02
	Active     Status = 0x04
	Released   Status = 0x08
	Expired    Status = 0x10

	Live = Reserved | Staged | Active
	Any  = Live | Released | Expired
)

func (s Status) String() string {
	switch s {
	case Unreserved:
		return "unreserved"
	case Reserved:
		return "reserved"
	case Staged:
		return "staged"
	case Active:
		return "active"
	case Released:
		return "released"
	case Expired:
		return "expired"
	}
	return "mixed"
}

type Event uint8

const (
	InstNew       Event = 0x01
	RelUpstream   Event = 0x02
	RelDownstream Event = 0x04
	Overflow      Event = 0x08
	Update        Event = 0x10
	AllEvents     Event = 0x1F
)

func (e Event) String() string {
	switch e {
	case InstNew:
		return "inst_new"
	case RelUpstream:
		return "rel_upstrm"
	case RelDownstream:
		return "rel_dnstrm"
	case Overflow:
		return "inst_oflw"
	case Update:
		return "update"
	}
	return "events"
}

// Stealing picks what happens when an update needs a slot and none is free.
type Stealing uint8

const (
	StealNone Stealing = iota
	StealOldest
	StealNewest
)

func (s Stealing) String() string {
	switch s {
	case StealOldest:
		return "oldest"
	case StealNewest:
		return "newest"
	}
	return "none"
}

func ParseStealing(s string) (Stealing, bool) {
	switch s {
	case "none":
		return StealNone, true
	case "oldest":
		return StealOldest, true
	case "newest":
		return StealNewest, true
	}
	return StealNone, false
}

type Instance struct {
	ID       uint64
	Status   Status
	Value    value.Value
	Time     timetag.Time
	Created  timetag.Time
	Released timetag.Time
	Data     any
}

// Handler observes instance events. For Overflow the instance is the one
// evicted, or the one dropped when nothing could be stolen.
type Handler func(ev Event, inst Instance)

type Config struct {
	Max       int
	Stealing  Stealing
	Ephemeral bool
}

// Manager is owned by one signal and is not safe for concurrent use.
type Manager struct {
	cfg     Config
	insts   map[uint64]*Instance
	free    utils.Heap[uint64]
	next    uint64
	handler Handler
	mask    Event
}

func NewManager(cfg Config) *Manager {
	if cfg.Max < 1 {
		cfg.Max = 1
	}
	return &Manager{
		cfg:   cfg,
		insts: make(map[uint64]*Instance),
	}
}

func (m *Manager) SetHandler(h Handler, mask Event) {
	m.handler, m.mask = h, mask
}

func (m *Manager) emit(ev Event, inst *Instance) {
	if m.handler != nil && m.mask&ev != 0 {
		m.handler(ev, *inst)
	}
}

// Emit delivers ev for a known instance, reporting whether it exists.
func (m *Manager) Emit(ev Event, id uint64) bool {
	inst, ok := m.insts[id]
	if ok {
		m.emit(ev, inst)
	}
	return ok
}

func (m *Manager) Max() int { return m.cfg.Max }
func (m *Manager) Stealing() Stealing { return m.cfg.Stealing }
func (m *Manager) Ephemeral() bool { return m.cfg.Ephemeral }
func (m *Manager) SetStealing(s Stealing) { m.cfg.Stealing = s }
func (m *Manager) SetEphemeral(e bool) { m.cfg.Ephemeral = e }

// SetMax changes the limit. Live instances above a lowered limit stay
// until released.
func (m *Manager) SetMax(n int) {
	if n < 1 {
		n = 1
	}
	m.cfg.Max = n
}

func (m *Manager) live() (n int) {
	for _, inst := range m.insts {
		if inst.Status&Live != 0 {
			n++
		}
	}
	return
}

func (m *Manager) bump(id uint64) {
	if id >= m.next {
		m.next = id + 1
	}
}

// Reserve reserves explicit ids, or count fresh ids when none are given.
// Reservation stops silently at the limit; the number reserved is returned.
func (m *Manager) Reserve(count int, ids ...uint64) (n int) {
	live := m.live()
	if len(ids) > 0 {
		for _, id := range ids {
			if live >= m.cfg.Max {
				break
			}
			if _, exists := m.insts[id]; exists {
				continue
			}
			m.add(id, Reserved, timetag.Time{})
			live++
			n++
		}
		return
	}
	for n < count && live < m.cfg.Max {
		for {
			if _, exists := m.insts[m.next]; !exists {
				break
			}
			m.next++
		}
		m.add(m.next, Reserved, timetag.Time{})
		live++
		n++
	}
	return
}

func (m *Manager) add(id uint64, st Status, t timetag.Time) *Instance {
	inst := &Instance{ID: id, Status: st, Created: t, Time: t}
	m.insts[id] = inst
	if st == Reserved {
		m.free.Push(id)
	}
	m.bump(id)
	return inst
}

// claim finds a slot for an unseen id, stealing if the policy allows.
func (m *Manager) claim(id uint64, t timetag.Time) (*Instance, error) {
	if m.live() >= m.cfg.Max {
		if r, ok := m.popFree(); ok {
			delete(m.insts, r)
		} else if victim := m.pick(m.cfg.Stealing == StealNewest); victim != nil && m.cfg.Stealing != StealNone {
			m.release(victim, t)
			m.emit(Overflow, victim)
		} else {
			m.emit(Overflow, &Instance{ID: id, Status: Unreserved, Time: t})
			return nil, ErrOverflow
		}
	}
	inst := m.add(id, Staged, t)
	if m.cfg.Ephemeral {
		m.emit(InstNew, inst)
	}
	return inst, nil
}

func (m *Manager) popFree() (uint64, bool) {
	for m.free.Len() > 0 {
		id := m.free.Pop()
		if inst, ok := m.insts[id]; ok && inst.Status == Reserved {
			return id, true
		}
	}
	return 0, false
}

// pick returns the staged or active instance with the smallest (or, with
// newest, the largest) last update; ties go to the lowest id.
func (m *Manager) pick(newest bool) (v *Instance) {
	for _, inst := range m.insts {
		if inst.Status&(Staged|Active) == 0 {
			continue
		}
		if v == nil {
			v = inst
			continue
		}
		c := inst.Time.Compare(v.Time)
		if newest {
			c = -c
		}
		if c < 0 || (c == 0 && inst.ID < v.ID) {
			v = inst
		}
	}
	return
}

func (m *Manager) promote(inst *Instance, st Status, t timetag.Time) {
	if inst.Status == Reserved {
		m.free.Delete(inst.ID)
		inst.Created = t
		inst.Status = st
		if m.cfg.Ephemeral {
			m.emit(InstNew, inst)
		}
	}
	inst.Status = st
}

// Activate gives id a slot without a value.
func (m *Manager) Activate(id uint64, t timetag.Time) error {
	inst, ok := m.insts[id]
	if ok && inst.Status&(Released|Expired) != 0 {
		delete(m.insts, id)
		ok = false
	}
	if !ok {
		inst, err := m.claim(id, t)
		if err == nil {
			inst.Time = t
		}
		return err
	}
	if inst.Status == Reserved {
		inst.Time = t
		m.promote(inst, Staged, t)
	}
	return nil
}

// Update writes a value. Updates older than the current one are dropped.
func (m *Manager) Update(id uint64, v value.Value, t timetag.Time) error {
	inst, ok := m.insts[id]
	if ok && inst.Status&(Released|Expired) != 0 {
		delete(m.insts, id)
		ok = false
	}
	if !ok {
		var err error
		if inst, err = m.claim(id, t); err != nil {
			return err
		}
	} else if inst.Status != Reserved && !inst.Value.IsNil() && t.Before(inst.Time) {
		return ErrStale
	}
	m.promote(inst, Active, t)
	inst.Value, inst.Time = v, t
	m.emit(Update, inst)
	return nil
}

func (m *Manager) release(inst *Instance, t timetag.Time) {
	inst.Status = Released
	inst.Released = t
}

// Release marks a live instance released. A reserved instance simply
// returns to the unreserved pool. It reports whether the instance now
// awaits reclaim.
func (m *Manager) Release(id uint64, t timetag.Time) bool {
	inst, ok := m.insts[id]
	if !ok {
		return false
	}
	switch inst.Status {
	case Reserved:
		m.free.Delete(id)
		delete(m.insts, id)
		return false
	case Staged, Active:
		m.release(inst, t)
		return true
	}
	return false
}

// Reclaim frees a released instance for good.
func (m *Manager) Reclaim(id uint64) bool {
	inst, ok := m.insts[id]
	if !ok || inst.Status&(Released|Expired) == 0 {
		return false
	}
	delete(m.insts, id)
	return true
}

// Remove drops an instance in any state.
func (m *Manager) Remove(id uint64) bool {
	inst, ok := m.insts[id]
	if !ok {
		return false
	}
	if inst.Status == Reserved {
		m.free.Delete(id)
	}
	delete(m.insts, id)
	return true
}

// Sweep expires and reclaims instances released longer than timeout ago.
func (m *Manager) Sweep(now timetag.Time, timeout time.Duration) (reclaimed []uint64) {
	for id, inst := range m.insts {
		if inst.Status != Released {
			continue
		}
		if now.Sub(inst.Released).Duration() >= timeout {
			inst.Status = Expired
			delete(m.insts, id)
			reclaimed = append(reclaimed, id)
		}
	}
	sort.Slice(reclaimed, func(i, j int) bool { return reclaimed[i] < reclaimed[j] })
	return
}

func (m *Manager) Get(id uint64) (Instance, bool) {
	inst, ok := m.insts[id]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// Value returns the current value of an instance that has one.
func (m *Manager) Value(id uint64) (value.Value, timetag.Time, bool) {
	inst, ok := m.insts[id]
	if !ok || inst.Status&(Active|Released) == 0 || inst.Value.IsNil() {
		return value.Value{}, timetag.Time{}, false
	}
	return inst.Value, inst.Time, true
}

func (m *Manager) IsActive(id uint64) bool {
	inst, ok := m.insts[id]
	return ok && inst.Status&(Staged|Active) != 0
}

func (m *Manager) SetData(id uint64, data any) bool {
	inst, ok := m.insts[id]
	if ok {
		inst.Data = data
	}
	return ok
}

func (m *Manager) Data(id uint64) any {
	if inst, ok := m.insts[id]; ok {
		return inst.Data
	}
	return nil
}

// Count counts instances whose status is in mask.
func (m *Manager) Count(mask Status) (n int) {
	for _, inst := range m.insts {
		if inst.Status&mask != 0 {
			n++
		}
	}
	return
}

// IDs lists ids whose status is in mask, ascending.
func (m *Manager) IDs(mask Status) []uint64 {
	ids := make([]uint64, 0, len(m.insts))
	for id, inst := range m.insts {
		if inst.Status&mask != 0 {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// At returns the idx-th id (ascending) among those in mask.
func (m *Manager) At(idx int, mask Status) (uint64, bool) {
	ids := m.IDs(mask)
	if idx < 0 || idx >= len(ids) {
		return 0, false
	}
	return ids[idx], true
}

// Oldest returns the active instance with the earliest update.
func (m *Manager) Oldest() (uint64, bool) {
	return idOf(m.pick(false))
}

// Newest returns the active instance with the latest update.
func (m *Manager) Newest() (uint64, bool) {
	return idOf(m.pick(true))
}

func idOf(inst *Instance) (uint64, bool) {
	if inst == nil {
		return 0, false
	}
	return inst.ID, true
}
