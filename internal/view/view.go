// Package view projects a synchronized snapshot into what a list screen
// renders. The projection is pure: it never mutates the snapshot, and the
// same inputs always produce the same rows.
package view

import (
	"sort"
	"strconv"
	"strings"

	"snagline/internal/domain"
)

// SortKey selects the column rows are ordered by.
type SortKey string

const (
	SortCreatedAt SortKey = "created_at"
	SortQueryNo   SortKey = "query_no"
	SortPriority  SortKey = "priority"
	SortStatus    SortKey = "status"
	SortLocation  SortKey = "location"
	SortProject   SortKey = "project_name"
)

// Query is one screen's projection parameters. Page is 1-based.
type Query struct {
	Filter   string
	Sort     SortKey
	Desc     bool
	Page     int
	PageSize int
}

// Result is the rendered slice plus the figures pagination controls need.
type Result struct {
	Rows      []domain.Snag
	Total     int
	Page      int
	PageCount int
}

// Apply filters, sorts, and paginates snags according to q. A PageSize of
// zero or less disables pagination. The input slice is left untouched.
func Apply(snags []domain.Snag, q Query) Result {
	rows := filter(snags, q.Filter)
	sortRows(rows, q)

	total := len(rows)
	if q.PageSize <= 0 {
		page := 0
		if total > 0 {
			page = 1
		}
		return Result{Rows: rows, Total: total, Page: page, PageCount: page}
	}

	pageCount := (total + q.PageSize - 1) / q.PageSize
	if pageCount == 0 {
		return Result{Rows: nil, Total: 0, Page: 0, PageCount: 0}
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	if page > pageCount {
		page = pageCount
	}
	start := (page - 1) * q.PageSize
	end := start + q.PageSize
	if end > total {
		end = total
	}
	return Result{Rows: rows[start:end], Total: total, Page: page, PageCount: pageCount}
}

// Matches reports whether the snag matches the filter text: substring,
// case-insensitive, across description, location, building name, and the
// numeric query number.
func Matches(s domain.Snag, text string) bool {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return true
	}
	haystacks := []string{
		strings.ToLower(s.Description),
		strings.ToLower(s.Location),
		strings.ToLower(s.ProjectName),
		strconv.Itoa(s.QueryNo),
	}
	for _, h := range haystacks {
		if strings.Contains(h, needle) {
			return true
		}
	}
	return false
}

func filter(snags []domain.Snag, text string) []domain.Snag {
	out := make([]domain.Snag, 0, len(snags))
	for _, s := range snags {
		if Matches(s, text) {
			out = append(out, s)
		}
	}
	return out
}

var priorityRank = map[domain.Priority]int{
	domain.PriorityLow:    0,
	domain.PriorityMedium: 1,
	domain.PriorityHigh:   2,
}

var statusRank = map[domain.Status]int{
	domain.StatusOpen:       0,
	domain.StatusInProgress: 1,
	domain.StatusResolved:   2,
	domain.StatusVerified:   3,
}

func sortRows(rows []domain.Snag, q Query) {
	key := q.Sort
	if key == "" {
		key = SortCreatedAt
	}
	less := func(a, b domain.Snag) bool {
		switch key {
		case SortQueryNo:
			if a.ProjectName != b.ProjectName {
				return a.ProjectName < b.ProjectName
			}
			return a.QueryNo < b.QueryNo
		case SortPriority:
			return priorityRank[a.Priority] < priorityRank[b.Priority]
		case SortStatus:
			return statusRank[a.Status] < statusRank[b.Status]
		case SortLocation:
			return a.Location < b.Location
		case SortProject:
			return a.ProjectName < b.ProjectName
		default:
			return a.CreatedAt < b.CreatedAt
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if q.Desc {
			return less(rows[j], rows[i])
		}
		return less(rows[i], rows[j])
	})
}

// View carries a screen's query state across renders and applies the rules
// the list screens share: a filter change always jumps back to the first
// page, and a page-size change does too (the old index is meaningless under
// the new size).
type View struct {
	snapshot func() []domain.Snag
	q        Query
}

// NewView builds a view over snapshot with the given initial query.
func NewView(snapshot func() []domain.Snag, q Query) *View {
	if q.Page < 1 {
		q.Page = 1
	}
	return &View{snapshot: snapshot, q: q}
}

func (v *View) Query() Query { return v.q }

func (v *View) SetFilter(text string) {
	if v.q.Filter == text {
		return
	}
	v.q.Filter = text
	v.q.Page = 1
}

func (v *View) SetSort(key SortKey, desc bool) {
	v.q.Sort = key
	v.q.Desc = desc
}

func (v *View) SetPage(page int) {
	if page < 1 {
		page = 1
	}
	v.q.Page = page
}

func (v *View) SetPageSize(size int) {
	if v.q.PageSize == size {
		return
	}
	v.q.PageSize = size
	v.q.Page = 1
}

// Render projects the current snapshot through the current query.
func (v *View) Render() Result {
	return Apply(v.snapshot(), v.q)
}
