package memory

import (
	"sort"
	"strings"
	"sync"
)

// EvictHandler receives pages evicted from Active Memory. The orchestrator
// attaches one that hands the page to the archival store; pages inserted
// with a nil handler are silently dropped on eviction.
type EvictHandler interface {
	HandleEvict(page *Page)
}

// EvictFunc adapts a function to the EvictHandler interface.
type EvictFunc func(page *Page)

// HandleEvict calls f.
func (f EvictFunc) HandleEvict(page *Page) { f(page) }

type activeEntry struct {
	page    *Page
	onEvict EvictHandler
}

// ActiveMemory is the middle tier: a bounded set of pages evicted
// least-recently-accessed first, ties broken by lower access count. The
// eviction handler fires exactly once per evicted page, after the page
// has left the tier.
type ActiveMemory struct {
	mu       sync.Mutex
	pages    map[string]*activeEntry
	maxPages int
}

// NewActiveMemory returns an active memory capped at maxPages pages.
func NewActiveMemory(maxPages int) *ActiveMemory {
	if maxPages <= 0 {
		maxPages = 50
	}
	return &ActiveMemory{
		pages:    make(map[string]*activeEntry),
		maxPages: maxPages,
	}
}

// AddPage creates a page from content and inserts it, evicting if the cap
// is exceeded. Returns the new page's id.
func (a *ActiveMemory) AddPage(content PageContent, kind PageKind, onEvict EvictHandler) string {
	page := newPage(content, kind)
	a.Insert(page, onEvict)
	return page.ID
}

// Insert adds a page preserving its identity and counters. Used for
// promotion (the promoted page reuses the archived page's prior id, so
// re-promotion never duplicates) and for state restoration. Inserting an
// id that already exists replaces that entry without eviction.
func (a *ActiveMemory) Insert(page *Page, onEvict EvictHandler) {
	a.mu.Lock()

	_, existed := a.pages[page.ID]
	a.pages[page.ID] = &activeEntry{page: page, onEvict: onEvict}

	var evicted *activeEntry
	if !existed && len(a.pages) > a.maxPages {
		evicted = a.evictColdestLocked()
	}
	a.mu.Unlock()

	// The handler runs outside the lock; the page is already gone from
	// the tier, so a slow or re-entrant handler cannot double-evict.
	if evicted != nil && evicted.onEvict != nil {
		evicted.onEvict.HandleEvict(evicted.page)
	}
}

// evictColdestLocked removes and returns the entry with the oldest
// last_accessed; a tie evicts the lower access_count.
func (a *ActiveMemory) evictColdestLocked() *activeEntry {
	var victim *activeEntry
	for _, entry := range a.pages {
		if victim == nil {
			victim = entry
			continue
		}
		p, v := entry.page, victim.page
		if p.LastAccessed.Before(v.LastAccessed) ||
			(p.LastAccessed.Equal(v.LastAccessed) && p.AccessCount < v.AccessCount) {
			victim = entry
		}
	}
	if victim == nil {
		return nil
	}
	delete(a.pages, victim.page.ID)
	return victim
}

// Get returns a page by id, marking the access. Returns nil when absent.
func (a *ActiveMemory) Get(id string) *Page {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, ok := a.pages[id]
	if !ok {
		return nil
	}
	entry.page.touch()
	return entry.page
}

// Contains reports whether a page with id is held, without marking an
// access.
func (a *ActiveMemory) Contains(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pages[id]
	return ok
}

// Pages returns all pages without marking accesses, in no defined order.
func (a *ActiveMemory) Pages() []*Page {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Page, 0, len(a.pages))
	for _, entry := range a.pages {
		out = append(out, entry.page)
	}
	return out
}

// Recent returns up to n pages ordered by most recent access.
func (a *ActiveMemory) Recent(n int) []*Page {
	pages := a.Pages()
	sort.Slice(pages, func(i, j int) bool {
		if !pages[i].LastAccessed.Equal(pages[j].LastAccessed) {
			return pages[i].LastAccessed.After(pages[j].LastAccessed)
		}
		return pages[i].AccessCount > pages[j].AccessCount
	})
	if n > 0 && len(pages) > n {
		pages = pages[:n]
	}
	return pages
}

// Search does case-insensitive substring matching over serialised page
// content. Fallback only, for when embeddings are unavailable.
func (a *ActiveMemory) Search(query string) []*Page {
	needle := strings.ToLower(query)
	var matches []*Page

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, entry := range a.pages {
		if strings.Contains(strings.ToLower(entry.page.Content.JSON()), needle) {
			entry.page.touch()
			matches = append(matches, entry.page)
		}
	}
	return matches
}

// Remove deletes a page without firing its eviction handler. Returns
// whether the page existed.
func (a *ActiveMemory) Remove(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.pages[id]
	delete(a.pages, id)
	return ok
}

// Len returns the number of pages held.
func (a *ActiveMemory) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pages)
}

// MaxPages returns the configured cap.
func (a *ActiveMemory) MaxPages() int {
	return a.maxPages
}
