package entity

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

type PaginationInput struct {
	Limit  int
	Offset int
}

// NewPaginationInput clamps limit to (0, MaxPageLimit] and offset to >= 0.
func NewPaginationInput(limit int, offset int) *PaginationInput {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	if offset < 0 {
		offset = 0
	}

	return &PaginationInput{
		Limit:  limit,
		Offset: offset,
	}
}
