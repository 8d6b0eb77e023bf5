package cryptotoken

import (
	"runtime"
	"sync"
	"time"
	"weak"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/xlog"
	"github.com/effective-security/xtoken/metricskey"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/xtoken", "cryptotoken")

// Token owns the backend Module connection
type Token struct {
	cfg    *ModuleConfig
	module Module

	lock    sync.Mutex
	closed  bool
	retired []weak.Pointer[Identity]
}

// OpenToken loads the backend Module for the configuration
func OpenToken(cfg *ModuleConfig) (*Token, error) {
	m, err := LoadModule(cfg)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to load module %s", cfg.Name)
	}
	return &Token{
		cfg:    cfg,
		module: m,
	}, nil
}

// Name returns the module name
func (t *Token) Name() string {
	return t.cfg.Name
}

// Module returns the backend module
func (t *Token) Module() Module {
	return t.module
}

// Discover returns the slots allowed by the configuration,
// with refreshed Identities.
func (t *Token) Discover() ([]*Slot, error) {
	defer metricskey.PerfTokenRefresh.MeasureSince(time.Now(), t.cfg.Name)

	allowed, err := t.cfg.AllowedMechanisms()
	if err != nil {
		return nil, err
	}

	backends, err := t.module.Slots()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to list slots of %s", t.cfg.Name)
	}

	var slots []*Slot
	for _, b := range backends {
		sid := b.SlotID()
		if !t.cfg.Slots.Allowed(sid) {
			logger.KV(xlog.DEBUG, "module", t.cfg.Name, "reason", "filtered", "slot", sid)
			continue
		}
		if dup := findSlot(slots, sid); dup != nil {
			logger.KV(xlog.WARNING, "module", t.cfg.Name, "reason", "duplicate_slot",
				"slot", sid, "existing", dup.id)
			continue
		}

		slot := &Slot{id: sid, backend: b}
		if err := slot.Refresh(t, allowed, t.cfg.Parallelism); err != nil {
			if IsCommunicationError(err) {
				closeSlots(slots)
				return nil, err
			}
			logger.KV(xlog.WARNING, "module", t.cfg.Name, "reason", "skip_slot",
				"slot", sid, "err", err.Error())
			continue
		}
		slots = append(slots, slot)
	}

	logger.KV(xlog.INFO, "module", t.cfg.Name, "slots", len(slots), "identities", countIdentities(slots))
	return slots, nil
}

// retire keeps the Identities replaced by a refresh usable until the Token is closed.
// An Identity dropped by all callers releases its contexts earlier.
func (t *Token) retire(list []*Identity) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		closeIdentities(list)
		return
	}
	live := t.retired[:0]
	for _, w := range t.retired {
		if w.Value() != nil {
			live = append(live, w)
		}
	}
	for _, id := range list {
		if id.pool != nil {
			runtime.AddCleanup(id, func(p *contextPool) { p.close() }, id.pool)
		}
		live = append(live, weak.Make(id))
	}
	t.retired = live
}

// Close releases the retired Identities and the backend module
func (t *Token) Close() error {
	t.lock.Lock()
	t.closed = true
	retired := t.retired
	t.retired = nil
	t.lock.Unlock()

	for _, w := range retired {
		if id := w.Value(); id != nil {
			id.close()
		}
	}

	if t.module == nil {
		return nil
	}
	err := t.module.Close()
	if err != nil {
		return errors.WithMessagef(err, "failed to close module %s", t.cfg.Name)
	}
	return nil
}

// findSlot returns the slot with the same index or identifier
func findSlot(slots []*Slot, sid SlotID) *Slot {
	for _, s := range slots {
		if s.id.Index == sid.Index || s.id.ID == sid.ID {
			return s
		}
	}
	return nil
}

func closeSlots(slots []*Slot) {
	for _, s := range slots {
		s.close()
	}
}

func identitiesOf(slots []*Slot) []*Identity {
	var list []*Identity
	for _, s := range slots {
		list = append(list, s.identities...)
	}
	return list
}

func countIdentities(slots []*Slot) int {
	count := 0
	for _, s := range slots {
		count += len(s.identities)
	}
	return count
}
