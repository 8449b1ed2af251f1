package models

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// PaginationResult is the page metadata attached to list responses.
type PaginationResult struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalCount int64 `json:"total_count"`
	TotalPages int   `json:"total_pages"`
}

// NewPaginationResult builds the metadata for one page of totalCount rows.
func NewPaginationResult(page, pageSize int, totalCount int64) PaginationResult {
	return PaginationResult{
		Page:       page,
		PageSize:   pageSize,
		TotalCount: totalCount,
		TotalPages: int((totalCount + int64(pageSize) - 1) / int64(pageSize)),
	}
}

// ValidateAndSetDefaults clamps page and pageSize to sane bounds in place.
func ValidateAndSetDefaults(page, pageSize *int) {
	if *page < 1 {
		*page = 1
	}
	if *pageSize < 1 {
		*pageSize = defaultPageSize
	}
	if *pageSize > maxPageSize {
		*pageSize = maxPageSize
	}
}

// CalculateOffset converts a 1-based page into a SQL offset.
func CalculateOffset(page, pageSize int) int {
	return (page - 1) * pageSize
}
