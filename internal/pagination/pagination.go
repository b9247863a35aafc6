// Package pagination parses page parameters and builds page metadata.
package pagination

import (
	"math"

	"github.com/gofiber/fiber/v2"
)

// Metadata describes one page of a result set
type Metadata struct {
	TotalCount  int64 `json:"total_count"`
	PageSize    int   `json:"page_size"`
	CurrentPage int   `json:"current_page"`
	TotalPages  int   `json:"total_pages"`
	HasPrevious bool  `json:"has_previous"`
	HasNext     bool  `json:"has_next"`
}

// GetPaginationParams reads page and page_size from the query string.
// Invalid values fall back to the defaults; page_size is capped at maxPageSize.
func GetPaginationParams(c *fiber.Ctx, defaultPageSize, maxPageSize int) (page int, pageSize int) {
	page = c.QueryInt("page", 1)
	pageSize = c.QueryInt("page_size", defaultPageSize)

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if maxPageSize > 0 && pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	return page, pageSize
}

// CalculateOffset calculates the offset for database queries based on page and page size
func CalculateOffset(page, pageSize int) int {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}
	return (page - 1) * pageSize
}

// Calculate builds the metadata for a given total count, page, and page size
func Calculate(totalCount int64, page, pageSize int) Metadata {
	if pageSize < 1 {
		pageSize = 1
	}
	totalPages := int(math.Ceil(float64(totalCount) / float64(pageSize)))
	if totalPages < 0 {
		totalPages = 0
	}

	currentPage := page
	if currentPage < 1 {
		currentPage = 1
	}
	if currentPage > totalPages && totalPages > 0 {
		currentPage = totalPages
	}

	meta := Metadata{
		TotalCount:  totalCount,
		PageSize:    pageSize,
		CurrentPage: currentPage,
		TotalPages:  totalPages,
		HasPrevious: currentPage > 1,
		HasNext:     currentPage < totalPages,
	}
	if totalCount == 0 {
		meta.HasPrevious = false
		meta.HasNext = false
	}
	return meta
}
