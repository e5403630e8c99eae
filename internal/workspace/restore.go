package workspace

import (
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/younghai/automaker/internal/layout"
	"github.com/younghai/automaker/internal/term"
)

// RestoreSummary reports how a persisted layout's panels were brought
// back: reconnected to a session that was still running, recreated with
// a fresh shell, or dropped because the spawn failed.
type RestoreSummary struct {
	Reconnected int `json:"reconnected"`
	Recreated   int `json:"recreated"`
	Failed      int `json:"failed"`
}

func (s RestoreSummary) total() int {
	return s.Reconnected + s.Recreated + s.Failed
}

// ActivateProject switches the workspace to a project and restores its
// persisted layout. Sessions recorded in the layout that are still alive
// in the manager are reattached in place; dead ones get fresh shells in
// the project directory. A newer activation supersedes an in-flight one:
// the loser returns ErrRestoreSuperseded and commits nothing.
func (w *Workspace) ActivateProject(projectPath string) (RestoreSummary, error) {
	w.mu.Lock()
	w.restoreToken++
	token := w.restoreToken
	prevSessions := w.allSessionIDsLocked()
	if w.saveTimer != nil {
		// A pending save was scheduled against the old project path;
		// saveNow would skip it anyway once projectPath changes, so
		// cancel rather than race.
		w.saveTimer.Stop()
		w.saveTimer = nil
	}
	w.projectPath = projectPath
	w.tabs = nil
	w.activeTabID = ""
	w.activeSessionID = ""
	w.maximizedSessionID = ""
	w.fontSizes = make(map[string]int)
	w.mu.Unlock()

	for _, id := range prevSessions {
		w.manager.KillSession(id)
	}

	loaded, err, _ := w.loadGroup.Do(projectPath, func() (any, error) {
		return w.store.LoadLayout(projectPath)
	})
	if err != nil {
		wsLog.Warn("layout_load_failed",
			slog.String("project", projectPath),
			slog.String("error", err.Error()))
		return RestoreSummary{}, err
	}
	if w.superseded(token) {
		return RestoreSummary{}, ErrRestoreSuperseded
	}

	persisted, _ := loaded.(*layout.PersistedLayout)
	if persisted == nil || len(persisted.Tabs) == 0 {
		// Nothing saved for this project. An empty workspace is the
		// correct restored state, and not worth a notification.
		return RestoreSummary{}, nil
	}

	var build restoreBuild
	var tabs []*Tab
	for _, pt := range persisted.Tabs {
		root, err := w.rebuildNode(pt.Layout, projectPath, token, &build)
		if err != nil {
			w.killSessions(build.spawned)
			return RestoreSummary{}, err
		}
		name := pt.Name
		if name == "" {
			name = defaultTabName(len(tabs) + 1)
		}
		tabs = append(tabs, &Tab{ID: "tab-" + uuid.NewString(), Name: name, Root: root})
	}

	summary := build.summary

	w.mu.Lock()
	if w.restoreToken != token {
		w.mu.Unlock()
		w.killSessions(build.spawned)
		return RestoreSummary{}, ErrRestoreSuperseded
	}
	w.tabs = tabs
	if len(tabs) > 0 {
		idx := persisted.ActiveTabIndex
		if idx < 0 || idx >= len(tabs) {
			idx = 0
		}
		w.activeTabID = tabs[idx].ID
		if leaf := layout.FirstLeaf(tabs[idx].Root); leaf != nil {
			w.activeSessionID = leaf.SessionID
		}
	}
	w.mu.Unlock()

	w.notifyRestore(summary)
	wsLog.Info("project_activated",
		slog.String("project", projectPath),
		slog.Int("tabs", len(tabs)),
		slog.Int("reconnected", summary.Reconnected),
		slog.Int("recreated", summary.Recreated),
		slog.Int("failed", summary.Failed))
	return summary, nil
}

// restoreBuild accumulates rebuild results. The spawned list lets an
// aborted restore sweep every session it created, not just the one
// whose spawn observed the newer token.
type restoreBuild struct {
	summary RestoreSummary
	spawned []string
}

// rebuildNode walks a persisted subtree and returns its live equivalent.
// Terminal leaves reattach to running sessions or spawn replacements;
// failed spawns drop the leaf. Splits collapse under the usual rule when
// children are lost.
func (w *Workspace) rebuildNode(node *layout.Node, projectPath string, token uint64, build *restoreBuild) (*layout.Node, error) {
	if node == nil {
		return nil, nil
	}

	if node.IsTerminal() {
		if _, ok := w.manager.GetSession(node.SessionID); ok {
			build.summary.Reconnected++
			leaf := layout.NewTerminal(node.SessionID)
			leaf.Size = node.Size
			leaf.FontSize = node.FontSize
			return leaf, nil
		}
		session, err := w.manager.CreateSession(term.CreateOptions{Cwd: projectPath})
		if err == nil {
			build.spawned = append(build.spawned, session.ID)
		}
		if w.superseded(token) {
			return nil, ErrRestoreSuperseded
		}
		if err != nil {
			wsLog.Warn("restore_spawn_failed",
				slog.String("project", projectPath),
				slog.String("error", err.Error()))
			build.summary.Failed++
			return nil, nil
		}
		build.summary.Recreated++
		leaf := layout.NewTerminal(session.ID)
		leaf.Size = node.Size
		leaf.FontSize = node.FontSize
		return leaf, nil
	}

	var children []*layout.Node
	for _, child := range node.Panels {
		rebuilt, err := w.rebuildNode(child, projectPath, token, build)
		if err != nil {
			return nil, err
		}
		if rebuilt != nil {
			children = append(children, rebuilt)
		}
	}
	switch len(children) {
	case 0:
		return nil, nil
	case 1:
		// The surviving child takes the split's slot and share.
		children[0].Size = node.Size
		return children[0], nil
	}
	split := layout.NewSplit(node.Direction, children...)
	split.Size = node.Size
	return split, nil
}

// notifyRestore emits at most one user-facing message per restore. The
// common cases stay silent: nothing to restore, or every panel came back
// with a fresh shell.
func (w *Workspace) notifyRestore(s RestoreSummary) {
	total := s.total()
	switch {
	case total == 0:
	case s.Failed == total:
		w.notify(fmt.Sprintf("Failed to restore %d of %d terminals", s.Failed, total))
	case s.Reconnected > 0:
		w.notify(fmt.Sprintf("Reconnected %d terminals", s.Reconnected))
	}
}

func (w *Workspace) superseded(token uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.restoreToken != token
}

func (w *Workspace) allSessionIDsLocked() []string {
	var ids []string
	for _, tab := range w.tabs {
		ids = append(ids, layout.SessionIDs(tab.Root)...)
	}
	return ids
}

// killSessions tears down the sessions a losing restore spawned.
// Sessions it merely reattached to stay running so the winning
// activation can claim them.
func (w *Workspace) killSessions(ids []string) {
	for _, id := range ids {
		w.manager.KillSession(id)
	}
}
