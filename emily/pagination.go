package emily

import "sync"

// PaginationInfo tracks the current page of a paginated message.
// Pages are 1-indexed, and the current page is always within
// [1, MaxPage].
type PaginationInfo struct {
	mu          sync.Mutex
	currentPage int
	maxPage     int

	// GuildID is the guild the listing belongs to
	GuildID string
}

// MaxPageFor returns the number of pages needed for count items at
// perPage items per page. There's always at least one page.
func MaxPageFor(count int, perPage int) int {
	if perPage < 1 {
		perPage = 1
	}
	if count <= 0 {
		return 1
	}
	return (count + perPage - 1) / perPage
}

// NewPaginationInfo returns a PaginationInfo starting at currentPage,
// which is clamped to [1, maxPage]
func NewPaginationInfo(currentPage int, maxPage int, guildID string) *PaginationInfo {
	if maxPage < 1 {
		maxPage = 1
	}
	p := &PaginationInfo{maxPage: maxPage, GuildID: guildID}
	p.currentPage = p.clamp(currentPage)
	return p
}

func (p *PaginationInfo) clamp(n int) int {
	if n < 1 {
		return 1
	}
	if n > p.maxPage {
		return p.maxPage
	}
	return n
}

// ClampPage returns n limited to [1, MaxPage]
func (p *PaginationInfo) ClampPage(n int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clamp(n)
}

// CurrentPage returns the current page
func (p *PaginationInfo) CurrentPage() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentPage
}

// MaxPage returns the last page
func (p *PaginationInfo) MaxPage() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxPage
}

// NextPage advances to the next page, returning false if already on
// the last page
func (p *PaginationInfo) NextPage() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.currentPage >= p.maxPage {
		return false
	}
	p.currentPage++
	return true
}

// PreviousPage goes back a page, returning false if already on the
// first page
func (p *PaginationInfo) PreviousPage() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.currentPage <= 1 {
		return false
	}
	p.currentPage--
	return true
}

// SetPage moves to page n (clamped), returning true if the page changed
func (p *PaginationInfo) SetPage(n int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	n = p.clamp(n)
	if n == p.currentPage {
		return false
	}
	p.currentPage = n
	return true
}

// pageBounds returns the [start, end) slice indexes of items on the
// given page
func pageBounds(page int, perPage int, count int) (int, int) {
	if perPage < 1 {
		perPage = 1
	}
	page = max(1, min(page, MaxPageFor(count, perPage)))
	start := (page - 1) * perPage
	end := min(start+perPage, count)
	if start > count {
		start = count
	}
	return start, end
}
