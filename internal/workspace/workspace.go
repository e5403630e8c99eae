// Package workspace owns the tabbed split-pane state for the active
// project: it mutates the layout tree in response to user actions, keeps
// sessions and leaves in sync, and persists layouts with debounced saves
// and a token-guarded restore protocol.
package workspace

import (
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/younghai/automaker/internal/layout"
	"github.com/younghai/automaker/internal/logging"
	"github.com/younghai/automaker/internal/term"
)

var wsLog = logging.ForComponent(logging.CompWorkspace)

var (
	// ErrCreateThrottled rejects a terminal create that lands inside the
	// double-invocation cooldown window.
	ErrCreateThrottled = errors.New("terminal creation throttled")

	// ErrRestoreSuperseded marks a restore abandoned because a newer
	// project activation won the race. Not a user-facing failure.
	ErrRestoreSuperseded = errors.New("restore superseded by newer project switch")

	// ErrTabNotFound marks a stale tab reference.
	ErrTabNotFound = errors.New("tab not found")
)

// Store is the persistence surface consumed from the host.
type Store interface {
	LoadLayout(projectPath string) (*layout.PersistedLayout, error)
	SaveLayout(projectPath string, p *layout.PersistedLayout) error
}

// Notifier receives user-facing, non-blocking notifications.
type Notifier func(message string)

// Tab is one tabbed layout. Root may be nil: an empty tab is a valid,
// explicit state that renders a "create terminal" affordance.
type Tab struct {
	ID   string
	Name string
	Root *layout.Node
}

// Options configure a Workspace.
type Options struct {
	Manager        *term.Manager
	Store          Store
	Notify         Notifier
	SaveDebounce   time.Duration
	CreateCooldown time.Duration
}

// Workspace is the single owner of the active project's layout state.
// Other components read snapshots; only this type mutates the tree.
type Workspace struct {
	manager *term.Manager
	store   Store
	notify  Notifier

	saveDebounce time.Duration

	mu                 sync.Mutex
	projectPath        string
	tabs               []*Tab
	activeTabID        string
	activeSessionID    string
	maximizedSessionID string
	defaultFontSize    int
	fontSizes          map[string]int

	restoreToken uint64

	saveTimer *time.Timer

	createLimiter  *rate.Limiter
	createInFlight bool

	loadGroup singleflight.Group

	unsubExit func()
}

// New creates a workspace bound to a session manager and layout store.
func New(opts Options) *Workspace {
	if opts.SaveDebounce <= 0 {
		opts.SaveDebounce = 500 * time.Millisecond
	}
	if opts.CreateCooldown <= 0 {
		opts.CreateCooldown = 250 * time.Millisecond
	}
	notify := opts.Notify
	if notify == nil {
		notify = func(string) {}
	}

	w := &Workspace{
		manager:         opts.Manager,
		store:           opts.Store,
		notify:          notify,
		saveDebounce:    opts.SaveDebounce,
		fontSizes:       make(map[string]int),
		defaultFontSize: 14,
		createLimiter:   rate.NewLimiter(rate.Every(opts.CreateCooldown), 1),
	}

	// Dead sessions disappear from the tree even when nothing else asked
	// for them to be closed.
	w.unsubExit = opts.Manager.OnExit(func(id string, code int) {
		w.handleSessionExit(id)
	})

	return w
}

// State is a read-only snapshot for transports and tests.
type State struct {
	ProjectPath        string         `json:"projectPath"`
	Tabs               []TabState     `json:"tabs"`
	ActiveTabID        string         `json:"activeTabId"`
	ActiveSessionID    string         `json:"activeSessionId"`
	MaximizedSessionID string         `json:"maximizedSessionId,omitempty"`
	DefaultFontSize    int            `json:"defaultFontSize"`
	FontSizes          map[string]int `json:"fontSizes,omitempty"`
}

// TabState mirrors Tab with a cloned layout.
type TabState struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Layout *layout.Node `json:"layout"`
}

// Snapshot returns a deep copy of the current state.
func (w *Workspace) Snapshot() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := State{
		ProjectPath:        w.projectPath,
		ActiveTabID:        w.activeTabID,
		ActiveSessionID:    w.activeSessionID,
		MaximizedSessionID: w.maximizedSessionID,
		DefaultFontSize:    w.defaultFontSize,
	}
	if len(w.fontSizes) > 0 {
		st.FontSizes = make(map[string]int, len(w.fontSizes))
		for k, v := range w.fontSizes {
			st.FontSizes[k] = v
		}
	}
	for _, tab := range w.tabs {
		st.Tabs = append(st.Tabs, TabState{
			ID:     tab.ID,
			Name:   tab.Name,
			Layout: layout.Clone(tab.Root),
		})
	}
	return st
}

// CreateTab appends an empty tab and makes it active.
func (w *Workspace) CreateTab(name string) *Tab {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.createTabLocked(name)
}

func (w *Workspace) createTabLocked(name string) *Tab {
	if name == "" {
		name = defaultTabName(len(w.tabs) + 1)
	}
	tab := &Tab{ID: "tab-" + uuid.NewString(), Name: name}
	w.tabs = append(w.tabs, tab)
	w.activeTabID = tab.ID
	w.scheduleSaveLocked()
	return tab
}

func defaultTabName(n int) string {
	return "Terminal " + strconv.Itoa(n)
}

// CloseTab kills the tab's sessions best-effort and removes it. Closing
// the last tab leaves zero tabs; no default tab is recreated.
func (w *Workspace) CloseTab(tabID string) error {
	w.mu.Lock()
	idx := w.tabIndexLocked(tabID)
	if idx < 0 {
		w.mu.Unlock()
		return ErrTabNotFound
	}
	tab := w.tabs[idx]
	ids := layout.SessionIDs(tab.Root)
	w.tabs = append(w.tabs[:idx], w.tabs[idx+1:]...)
	if w.activeTabID == tabID {
		w.activeTabID = ""
		if len(w.tabs) > 0 {
			next := idx
			if next >= len(w.tabs) {
				next = len(w.tabs) - 1
			}
			w.activeTabID = w.tabs[next].ID
		}
	}
	w.dropSessionRefsLocked(ids)
	w.scheduleSaveLocked()
	w.mu.Unlock()

	for _, id := range ids {
		w.manager.KillSession(id)
	}
	return nil
}

// SelectTab makes a tab active.
func (w *Workspace) SelectTab(tabID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.tabIndexLocked(tabID) < 0 {
		return ErrTabNotFound
	}
	w.activeTabID = tabID
	w.scheduleSaveLocked()
	return nil
}

// RenameTab sets a tab's display name.
func (w *Workspace) RenameTab(tabID, name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx := w.tabIndexLocked(tabID)
	if idx < 0 {
		return ErrTabNotFound
	}
	w.tabs[idx].Name = name
	w.scheduleSaveLocked()
	return nil
}

// ReorderTabs moves the source tab to the target tab's position. Dropping
// a tab onto itself is a no-op.
func (w *Workspace) ReorderTabs(srcID, dstID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if srcID == dstID {
		return nil
	}
	src := w.tabIndexLocked(srcID)
	dst := w.tabIndexLocked(dstID)
	if src < 0 || dst < 0 {
		return ErrTabNotFound
	}
	tab := w.tabs[src]
	w.tabs = append(w.tabs[:src], w.tabs[src+1:]...)
	w.tabs = append(w.tabs[:dst], append([]*Tab{tab}, w.tabs[dst:]...)...)
	w.scheduleSaveLocked()
	return nil
}

// CreateTerminal spawns a session and inserts its leaf into the active
// tab, splitting next to targetSessionID when given. Guarded by a cooldown
// plus an in-flight flag so a double-click cannot spawn twice.
func (w *Workspace) CreateTerminal(dir layout.Direction, targetSessionID string) (*term.Session, error) {
	w.mu.Lock()
	if w.createInFlight || !w.createLimiter.Allow() {
		w.mu.Unlock()
		return nil, ErrCreateThrottled
	}
	w.createInFlight = true
	cwd := w.projectPath
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		w.createInFlight = false
		w.mu.Unlock()
	}()

	session, err := w.manager.CreateSession(term.CreateOptions{Cwd: cwd})
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	tab := w.activeTabLocked()
	if tab == nil {
		tab = w.createTabLocked("")
	}

	leaf := layout.NewTerminal(session.ID)
	if tab.Root == nil {
		tab.Root = leaf
	} else {
		if dir == "" {
			dir = layout.Horizontal
		}
		tab.Root = layout.InsertSibling(tab.Root, targetSessionID, dir, leaf)
	}
	w.activeSessionID = session.ID
	w.scheduleSaveLocked()
	return session, nil
}

// CloseTerminal kills the session and removes its leaf. The leaf is
// removed locally even if the kill fails, so a dead reference can never
// leave a stuck panel behind. Reports false when the id matched neither
// a live session nor a panel.
func (w *Workspace) CloseTerminal(sessionID string) bool {
	killed := w.manager.KillSession(sessionID)

	w.mu.Lock()
	removed := w.removeLeafLocked(sessionID)
	if removed {
		w.scheduleSaveLocked()
	}
	w.mu.Unlock()
	return killed || removed
}

// MoveToTab moves a panel's session out of its current tree and into the
// target tab: as the tab's new root, or appended when a root exists.
func (w *Workspace) MoveToTab(sessionID, tabID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	idx := w.tabIndexLocked(tabID)
	if idx < 0 {
		return ErrTabNotFound
	}
	if !w.detachLeafLocked(sessionID) {
		return term.ErrSessionNotFound
	}

	target := w.tabs[idx]
	leaf := layout.NewTerminal(sessionID)
	if target.Root == nil {
		target.Root = leaf
	} else {
		target.Root = layout.InsertSibling(target.Root, "", layout.Horizontal, leaf)
	}
	w.activeTabID = target.ID
	w.activeSessionID = sessionID
	w.scheduleSaveLocked()
	return nil
}

// ExtractToNewTab creates a fresh tab whose root is exactly the dragged
// panel.
func (w *Workspace) ExtractToNewTab(sessionID string) (*Tab, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.detachLeafLocked(sessionID) {
		return nil, term.ErrSessionNotFound
	}
	tab := w.createTabLocked("")
	tab.Root = layout.NewTerminal(sessionID)
	w.activeSessionID = sessionID
	w.scheduleSaveLocked()
	return tab, nil
}

// Navigate moves focus spatially within the active tab and returns the
// newly focused session id. A move with no matching neighbor keeps focus
// unchanged.
func (w *Workspace) Navigate(dir layout.NavDirection) string {
	w.mu.Lock()
	defer w.mu.Unlock()

	tab := w.activeTabLocked()
	if tab == nil || tab.Root == nil {
		return w.activeSessionID
	}
	if next, ok := layout.Navigate(tab.Root, w.activeSessionID, dir); ok {
		w.activeSessionID = next
	}
	return w.activeSessionID
}

// SetActiveSession records focus.
func (w *Workspace) SetActiveSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.activeSessionID = sessionID
}

// SetMaximized toggles the maximized session. Empty clears it.
func (w *Workspace) SetMaximized(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maximizedSessionID = sessionID
}

// SetFontSize sets a per-session font size; zero reverts to the default.
func (w *Workspace) SetFontSize(sessionID string, size int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if size <= 0 {
		delete(w.fontSizes, sessionID)
	} else {
		w.fontSizes[sessionID] = size
	}
}

// SetDefaultFontSize sets the fallback font size for all sessions.
func (w *Workspace) SetDefaultFontSize(size int) {
	if size <= 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.defaultFontSize = size
}

// FlushSave runs any pending debounced save synchronously. Used by the
// teardown path, which cannot wait for the quiet period.
func (w *Workspace) FlushSave() {
	w.mu.Lock()
	path := w.projectPath
	hadTimer := w.saveTimer != nil
	if hadTimer {
		w.saveTimer.Stop()
		w.saveTimer = nil
	}
	w.mu.Unlock()
	if hadTimer && path != "" {
		w.saveNow(path)
	}
}

// Shutdown flushes pending saves and kills every session, best-effort.
// Intended for application teardown where async completion is not
// guaranteed.
func (w *Workspace) Shutdown() {
	if w.unsubExit != nil {
		w.unsubExit()
	}
	w.FlushSave()
	w.manager.Cleanup()
}

// --- internals ---

func (w *Workspace) tabIndexLocked(tabID string) int {
	for i, t := range w.tabs {
		if t.ID == tabID {
			return i
		}
	}
	return -1
}

func (w *Workspace) activeTabLocked() *Tab {
	idx := w.tabIndexLocked(w.activeTabID)
	if idx < 0 {
		return nil
	}
	return w.tabs[idx]
}

// removeLeafLocked removes the session's leaf wherever it lives and fixes
// focus bookkeeping.
func (w *Workspace) removeLeafLocked(sessionID string) bool {
	if !w.detachLeafLocked(sessionID) {
		return false
	}
	w.dropSessionRefsLocked([]string{sessionID})
	return true
}

// detachLeafLocked removes the leaf from whichever tab holds it, applying
// the collapse rule. The source tab may become empty; empty tabs persist.
func (w *Workspace) detachLeafLocked(sessionID string) bool {
	for _, tab := range w.tabs {
		if layout.FindLeaf(tab.Root, sessionID) == nil {
			continue
		}
		newRoot, removed := layout.RemoveSession(tab.Root, sessionID)
		if removed {
			tab.Root = newRoot
			return true
		}
	}
	return false
}

func (w *Workspace) dropSessionRefsLocked(ids []string) {
	for _, id := range ids {
		delete(w.fontSizes, id)
		if w.maximizedSessionID == id {
			w.maximizedSessionID = ""
		}
		if w.activeSessionID == id {
			w.activeSessionID = ""
			if tab := w.activeTabLocked(); tab != nil {
				if leaf := layout.FirstLeaf(tab.Root); leaf != nil {
					w.activeSessionID = leaf.SessionID
				}
			}
		}
	}
}

func (w *Workspace) handleSessionExit(sessionID string) {
	w.mu.Lock()
	changed := w.removeLeafLocked(sessionID)
	if changed {
		w.scheduleSaveLocked()
	}
	w.mu.Unlock()
}

// scheduleSaveLocked arms (or re-arms) the debounced save. The target
// project path is captured now so a project switch mid-debounce cannot
// write to the wrong project.
func (w *Workspace) scheduleSaveLocked() {
	path := w.projectPath
	if path == "" {
		return
	}
	if w.saveTimer != nil {
		w.saveTimer.Stop()
	}
	w.saveTimer = time.AfterFunc(w.saveDebounce, func() {
		w.saveNow(path)
	})
}

func (w *Workspace) saveNow(path string) {
	w.mu.Lock()
	if w.projectPath != path {
		// Superseded by a project switch; the new project owns the state.
		w.mu.Unlock()
		return
	}
	persisted := w.buildPersistedLocked()
	w.mu.Unlock()

	if err := w.store.SaveLayout(path, persisted); err != nil {
		wsLog.Warn("layout_save_failed",
			slog.String("project", path),
			slog.String("error", err.Error()))
		return
	}
	wsLog.Debug("layout_saved",
		slog.String("project", path),
		slog.Int("tabs", len(persisted.Tabs)))
}

func (w *Workspace) buildPersistedLocked() *layout.PersistedLayout {
	p := &layout.PersistedLayout{Tabs: []layout.PersistedTab{}}
	for i, tab := range w.tabs {
		p.Tabs = append(p.Tabs, layout.PersistedTab{
			Name:   tab.Name,
			Layout: layout.Clone(tab.Root),
		})
		if tab.ID == w.activeTabID {
			p.ActiveTabIndex = i
		}
	}
	return p
}
