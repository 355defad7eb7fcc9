// Package formats holds the fixed set of document formats the gateway accepts
// as conversion sources and targets. Identifiers use pandoc's format names.
package formats

import "slices"

// Version is advertised by GET /formats.
const Version = "1.0.0"

var inputFormats = []string{
	"commonmark", // standard markdown
	"gfm",        // GitHub-flavored markdown
	"html",
	"latex",
	"docx",
	"odt",
	"rst",
	"org",
	"mediawiki",
	"textile",
}

var outputFormats = []string{
	"markdown",
	"html",
	"latex",
	"docx",
	"odt",
	"pdf",
	"epub",
	"plain",
	"rtf",
}

// Listing is the registry contents split by direction.
type Listing struct {
	Input  []string `json:"input" yaml:"input"`
	Output []string `json:"output" yaml:"output"`
}

// ExampleRequest is a sample POST /convert body.
type ExampleRequest struct {
	Content    string `json:"content" yaml:"content"`
	FromFormat string `json:"fromFormat" yaml:"fromFormat"`
	ToFormat   string `json:"toFormat" yaml:"toFormat"`
}

// Example pairs a description with a request payload.
type Example struct {
	Description string         `json:"description" yaml:"description"`
	Request     ExampleRequest `json:"request" yaml:"request"`
}

// IsValidInput reports whether format can be used as fromFormat.
func IsValidInput(format string) bool {
	return slices.Contains(inputFormats, format)
}

// IsValidOutput reports whether format can be used as toFormat.
func IsValidOutput(format string) bool {
	return slices.Contains(outputFormats, format)
}

// ListAll returns copies of both format lists.
func ListAll() Listing {
	return Listing{
		Input:  slices.Clone(inputFormats),
		Output: slices.Clone(outputFormats),
	}
}

// Examples returns illustrative request payloads keyed by name. Every example
// passes validation against the registry.
func Examples() map[string]Example {
	return map[string]Example{
		"markdown_to_html": {
			Description: "Convert Markdown to HTML",
			Request: ExampleRequest{
				Content:    "# Hello World",
				FromFormat: "commonmark",
				ToFormat:   "html",
			},
		},
		"html_to_markdown": {
			Description: "Convert HTML to Markdown",
			Request: ExampleRequest{
				Content:    "<h1>Hello World</h1>",
				FromFormat: "html",
				ToFormat:   "markdown",
			},
		},
	}
}
