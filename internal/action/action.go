// Package action holds the ephemeral UI state: which settings panel is open,
// copy and export feedback, the fake role and the destructive-action gates.
package action

import (
	"errors"
	"sync"
	"time"

	"chatstate/internal/models"
)

const (
	DefaultCopyReset  = time.Second
	DefaultImageReset = time.Second
)

// Timer is the part of *time.Timer the machine uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Options configures a Machine. Zero values use the defaults.
type Options struct {
	CopyReset  time.Duration
	ImageReset time.Duration
	AfterFunc  AfterFunc
}

// Machine is the single shared ActionState instance.
type Machine struct {
	copyReset  time.Duration
	imageReset time.Duration
	afterFunc  AfterFunc

	mu         sync.Mutex
	st         models.ActionState
	copyTimer  Timer
	copyGen    uint64
	imageTimer Timer
	imageGen   uint64

	subMu   sync.Mutex
	subs    map[int]func(models.ActionState)
	nextSub int
}

// New returns a machine in the default state.
func New(opts Options) *Machine {
	if opts.CopyReset <= 0 {
		opts.CopyReset = DefaultCopyReset
	}
	if opts.ImageReset <= 0 {
		opts.ImageReset = DefaultImageReset
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	return &Machine{
		copyReset:  opts.CopyReset,
		imageReset: opts.ImageReset,
		afterFunc:  opts.AfterFunc,
		st:         models.DefaultActionState(),
		subs:       make(map[int]func(models.ActionState)),
	}
}

// State returns the current state.
func (m *Machine) State() models.ActionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

// Subscribe registers fn to receive the state after every change.
func (m *Machine) Subscribe(fn func(models.ActionState)) func() {
	m.subMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subMu.Unlock()
	return func() {
		m.subMu.Lock()
		delete(m.subs, id)
		m.subMu.Unlock()
	}
}

// update applies fn under the lock and notifies subscribers when the state changed.
func (m *Machine) update(fn func(st *models.ActionState)) models.ActionState {
	m.mu.Lock()
	before := m.st
	fn(&m.st)
	after := m.st
	m.mu.Unlock()
	if after != before {
		m.notify(after)
	}
	return after
}

func (m *Machine) notify(st models.ActionState) {
	m.subMu.Lock()
	fns := make([]func(models.ActionState), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func clearConfirm(st *models.ActionState) {
	st.ClearSessionConfirm = false
	st.DeleteSessionConfirm = false
}

// OpenSetting shows panel and hides any other. PanelNone closes all panels.
func (m *Machine) OpenSetting(panel models.SettingPanel) error {
	if !validPanel(panel) {
		return &models.ConfigError{Key: "showSetting", Value: panel, Err: errors.New("unknown panel")}
	}
	m.update(func(st *models.ActionState) {
		st.ShowSetting = panel
		clearConfirm(st)
	})
	return nil
}

// ToggleSetting opens panel, or closes it when it is already open.
func (m *Machine) ToggleSetting(panel models.SettingPanel) error {
	if !validPanel(panel) {
		return &models.ConfigError{Key: "showSetting", Value: panel, Err: errors.New("unknown panel")}
	}
	m.update(func(st *models.ActionState) {
		if st.ShowSetting == panel {
			st.ShowSetting = models.PanelNone
		} else {
			st.ShowSetting = panel
		}
		clearConfirm(st)
	})
	return nil
}

// CloseSettings hides every panel.
func (m *Machine) CloseSettings() {
	m.update(func(st *models.ActionState) {
		st.ShowSetting = models.PanelNone
		clearConfirm(st)
	})
}

func validPanel(p models.SettingPanel) bool {
	switch p {
	case models.PanelNone, models.PanelGlobal, models.PanelSession:
		return true
	}
	return false
}

// Copied shows copy feedback of kind and arms the reset timer. A copy while
// the timer is pending re-arms it, so only one reset happens.
func (m *Machine) Copied(kind models.CopyResult) error {
	if kind != models.CopyMarkdown && kind != models.CopyLink {
		return &models.ConfigError{Key: "success", Value: kind, Err: errors.New("unknown copy kind")}
	}
	m.mu.Lock()
	if m.copyTimer != nil {
		m.copyTimer.Stop()
	}
	m.copyGen++
	gen := m.copyGen
	changed := m.st.Success != kind
	m.st.Success = kind
	st := m.st
	m.copyTimer = m.afterFunc(m.copyReset, func() { m.resetCopy(gen) })
	m.mu.Unlock()
	if changed {
		m.notify(st)
	}
	return nil
}

func (m *Machine) resetCopy(gen uint64) {
	m.mu.Lock()
	if gen != m.copyGen {
		m.mu.Unlock()
		return
	}
	m.copyTimer = nil
	m.st.Success = models.CopyNone
	st := m.st
	m.mu.Unlock()
	m.notify(st)
}

// StartExport moves genImg to loading. A pending reset from an earlier export
// is dropped. It returns false when an export is already running.
func (m *Machine) StartExport() bool {
	m.mu.Lock()
	if m.st.GenImg == models.ImageLoading {
		m.mu.Unlock()
		return false
	}
	if m.imageTimer != nil {
		m.imageTimer.Stop()
		m.imageTimer = nil
	}
	m.imageGen++
	m.st.GenImg = models.ImageLoading
	st := m.st
	m.mu.Unlock()
	m.notify(st)
	return true
}

// FinishExport records the export result and schedules the return to normal.
func (m *Machine) FinishExport(err error) {
	m.mu.Lock()
	if m.st.GenImg != models.ImageLoading {
		m.mu.Unlock()
		return
	}
	if err != nil {
		m.st.GenImg = models.ImageError
	} else {
		m.st.GenImg = models.ImageSuccess
	}
	m.imageGen++
	gen := m.imageGen
	m.imageTimer = m.afterFunc(m.imageReset, func() { m.resetImage(gen) })
	st := m.st
	m.mu.Unlock()
	m.notify(st)
}

func (m *Machine) resetImage(gen uint64) {
	m.mu.Lock()
	if gen != m.imageGen {
		m.mu.Unlock()
		return
	}
	m.imageTimer = nil
	m.st.GenImg = models.ImageNormal
	st := m.st
	m.mu.Unlock()
	m.notify(st)
}

// SetFakeRole sets the role used for the next composed message.
func (m *Machine) SetFakeRole(role models.FakeRole) error {
	switch role {
	case models.FakeRoleNormal, models.FakeRoleUser, models.FakeRoleAssistant:
	default:
		return &models.ConfigError{Key: "fakeRole", Value: role, Err: errors.New("unknown role")}
	}
	m.update(func(st *models.ActionState) { st.FakeRole = role })
	return nil
}

// CycleFakeRole steps normal, user, assistant and back to normal.
func (m *Machine) CycleFakeRole() models.FakeRole {
	st := m.update(func(st *models.ActionState) {
		switch st.FakeRole {
		case models.FakeRoleNormal:
			st.FakeRole = models.FakeRoleUser
		case models.FakeRoleUser:
			st.FakeRole = models.FakeRoleAssistant
		default:
			st.FakeRole = models.FakeRoleNormal
		}
	})
	return st.FakeRole
}

// RequestClear reports whether a clear may proceed. The first call only
// raises clearSessionConfirm; a second call while it is raised returns true
// and lowers it.
func (m *Machine) RequestClear() bool {
	var proceed bool
	m.update(func(st *models.ActionState) {
		proceed = st.ClearSessionConfirm
		st.ClearSessionConfirm = !proceed
		st.DeleteSessionConfirm = false
	})
	return proceed
}

// RequestDelete is RequestClear for deleteSessionConfirm.
func (m *Machine) RequestDelete() bool {
	var proceed bool
	m.update(func(st *models.ActionState) {
		proceed = st.DeleteSessionConfirm
		st.DeleteSessionConfirm = !proceed
		st.ClearSessionConfirm = false
	})
	return proceed
}

// CancelConfirm lowers both confirmation flags.
func (m *Machine) CancelConfirm() {
	m.update(clearConfirm)
}

// Reset returns to the default state and stops pending timers.
func (m *Machine) Reset() {
	m.mu.Lock()
	if m.copyTimer != nil {
		m.copyTimer.Stop()
		m.copyTimer = nil
	}
	if m.imageTimer != nil {
		m.imageTimer.Stop()
		m.imageTimer = nil
	}
	m.copyGen++
	m.imageGen++
	before := m.st
	m.st = models.DefaultActionState()
	st := m.st
	m.mu.Unlock()
	if st != before {
		m.notify(st)
	}
}
