package model

// EmptyField is the single representation of a missing enrichment output.
// Result columns are NOT NULL and default to it.
const EmptyField = ""

// Category constants used by the classifier.
const (
	CategoryAI          = "ai"
	CategoryProgramming = "programming"
	CategorySecurity    = "security"
	CategoryScience     = "science"
	CategoryBusiness    = "business"
	CategoryOther       = "other"
)

// Categories lists the classifier labels in render order.
var Categories = []string{
	CategoryAI,
	CategoryProgramming,
	CategorySecurity,
	CategoryScience,
	CategoryBusiness,
	CategoryOther,
}

// ValidCategory reports whether c is a known classifier label.
func ValidCategory(c string) bool {
	for _, k := range Categories {
		if k == c {
			return true
		}
	}
	return false
}

// ResultFields holds the enrichment outputs of an item.
type ResultFields struct {
	TranslatedTitle string `json:"translated_title"`
	Summary         string `json:"summary"`
	CommentDigest   string `json:"comment_digest"`
	Category        string `json:"category"`
}

// EmptyResult returns result fields set to the empty sentinel. FAILED items
// carry exactly this value.
func EmptyResult() ResultFields {
	return ResultFields{
		TranslatedTitle: EmptyField,
		Summary:         EmptyField,
		CommentDigest:   EmptyField,
		Category:        EmptyField,
	}
}

// IsEmpty reports whether every field holds the sentinel.
func (r ResultFields) IsEmpty() bool {
	return r == EmptyResult()
}

// Document is the rendered aggregate for one task date.
type Document struct {
	Date  string `json:"date"`
	Title string `json:"title"`
	Body  string `json:"body"`
	// Path is the repository-relative location channels that store files use.
	Path string `json:"path"`
}
