// Package prompt resolves the text sent to each agent. Resolution
// order: file override, then active database template, then built-in
// default. Database lookups are cached read-through; the cache is
// invalidated when a template is saved or an override file changes.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/quorum/internal/store"
)

// templateSource is the slice of the store the resolver needs.
type templateSource interface {
	ActivePrompt(ctx context.Context, agentID, promptType string) (*store.PromptTemplate, error)
}

// Vars carries the values interpolated into a template.
type Vars struct {
	Task              string
	TaskType          string
	Context           string
	OtherAnalyses     string
	TargetAgent       string
	PreviousSynthesis string
	CritiquesReceived string
}

// Resolver resolves and renders prompts.
type Resolver struct {
	source  templateSource
	log     *slog.Logger
	fileDir string

	mu        sync.RWMutex
	cache     map[string]string // "agent/type" → content
	overrides map[string]string // "agent/type" → file content
}

// NewResolver builds a resolver. source may be nil (built-ins only);
// fileDir may be empty (no file overrides).
func NewResolver(source templateSource, fileDir string, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{
		source:    source,
		log:       log,
		fileDir:   fileDir,
		cache:     make(map[string]string),
		overrides: make(map[string]string),
	}
	if fileDir != "" {
		r.loadOverrides()
	}
	return r
}

// Resolve returns the template body for one agent and prompt type.
func (r *Resolver) Resolve(ctx context.Context, agentID, promptType string) (string, error) {
	key := agentID + "/" + promptType

	r.mu.RLock()
	if body, ok := r.overrides[key]; ok {
		r.mu.RUnlock()
		return body, nil
	}
	if body, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		return body, nil
	}
	r.mu.RUnlock()

	if r.source != nil {
		tpl, err := r.source.ActivePrompt(ctx, agentID, promptType)
		switch {
		case err == nil:
			r.mu.Lock()
			r.cache[key] = tpl.Content
			r.mu.Unlock()
			return tpl.Content, nil
		case !errors.Is(err, store.ErrNotFound):
			return "", fmt.Errorf("resolve prompt %s: %w", key, err)
		}
	}

	body, ok := builtins(agentID, promptType)
	if !ok {
		return "", fmt.Errorf("no prompt for %s", key)
	}
	return body, nil
}

// System returns the rendered system prompt for an agent, with the
// task-type focus line appended when one exists.
func (r *Resolver) System(ctx context.Context, agentID, taskType string) (string, error) {
	body, err := r.Resolve(ctx, agentID, TypeSystem)
	if err != nil {
		return "", err
	}
	if focus, ok := taskFocus[taskType]; ok {
		body = body + "\n\n" + focus
	}
	return body, nil
}

// Render resolves a template and interpolates vars into it.
func (r *Resolver) Render(ctx context.Context, agentID, promptType string, vars Vars) (string, error) {
	body, err := r.Resolve(ctx, agentID, promptType)
	if err != nil {
		return "", err
	}
	return Interpolate(body, vars), nil
}

// RenderRefinement is the analysis prompt for iterations after the
// first, carrying the previous synthesis and received critiques.
func (r *Resolver) RenderRefinement(ctx context.Context, agentID string, vars Vars) (string, error) {
	// A DB/file override for the user template also overrides
	// refinement; otherwise the refinement built-in applies.
	key := agentID + "/" + TypeUserTemplate
	r.mu.RLock()
	body, ok := r.overrides[key]
	if !ok {
		body, ok = r.cache[key]
	}
	r.mu.RUnlock()
	if !ok && r.source != nil {
		tpl, err := r.source.ActivePrompt(ctx, agentID, TypeUserTemplate)
		if err == nil {
			r.mu.Lock()
			r.cache[key] = tpl.Content
			r.mu.Unlock()
			body, ok = tpl.Content, true
		} else if !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("resolve prompt %s: %w", key, err)
		}
	}
	if !ok {
		body = defaultAnalysisRefine
	}
	return Interpolate(body, vars), nil
}

// Invalidate drops one cached template, or the whole cache when both
// arguments are empty.
func (r *Resolver) Invalidate(agentID, promptType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if agentID == "" && promptType == "" {
		r.cache = make(map[string]string)
		return
	}
	delete(r.cache, agentID+"/"+promptType)
}

// Interpolate replaces the {placeholder} variables in body.
func Interpolate(body string, vars Vars) string {
	rep := strings.NewReplacer(
		"{task}", vars.Task,
		"{task_type}", vars.TaskType,
		"{context}", vars.Context,
		"{other_analyses}", vars.OtherAnalyses,
		"{target_agent}", vars.TargetAgent,
		"{previous_synthesis}", vars.PreviousSynthesis,
		"{critiques_received}", vars.CritiquesReceived,
	)
	return rep.Replace(body)
}

// loadOverrides reads every <agent>.<type>.txt in the override dir.
func (r *Resolver) loadOverrides() {
	entries, err := os.ReadDir(r.fileDir)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Warn("prompt override dir unreadable", "dir", r.fileDir, "error", err)
		}
		return
	}

	next := make(map[string]string)
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".txt") {
			continue
		}
		parts := strings.SplitN(strings.TrimSuffix(name, ".txt"), ".", 2)
		if len(parts) != 2 {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.fileDir, name))
		if err != nil {
			r.log.Warn("prompt override unreadable", "file", name, "error", err)
			continue
		}
		next[parts[0]+"/"+parts[1]] = strings.TrimSpace(string(data))
	}

	r.mu.Lock()
	r.overrides = next
	r.mu.Unlock()
	if len(next) > 0 {
		r.log.Info("prompt overrides loaded", "dir", r.fileDir, "count", len(next))
	}
}

// Watch reloads file overrides when the override directory changes.
// Returns immediately; the watch goroutine stops with ctx.
func (r *Resolver) Watch(ctx context.Context) error {
	if r.fileDir == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(r.fileDir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", r.fileDir, err)
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				r.log.Info("prompt override changed", "path", ev.Name, "op", ev.Op.String())
				r.loadOverrides()
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				r.log.Error("prompt watcher error", "error", err)
			}
		}
	}()
	return nil
}
