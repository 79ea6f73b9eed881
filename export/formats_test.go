package export

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Format
		ok   bool
	}{
		{"tex", "tex", FormatTeX, true},
		{"markdown", "markdown", FormatMarkdown, true},
		{"html", "html", FormatHTML, true},
		{"pdf", "pdf", FormatPDF, true},
		{"unknown", "docx", "", false},
		{"empty", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := ParseFormat(tt.in)
			assert.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, f)
			}
		})
	}
}

func TestFormatRegistryMetadata(t *testing.T) {
	info, ok := GetFormatInfo(FormatPDF)
	assert.True(t, ok)
	assert.Equal(t, "application/pdf", info.MIMEType)
	assert.Equal(t, ".pdf", info.Extension)

	_, ok = GetFormatInfo(Format("docx"))
	assert.False(t, ok)
}

func TestSupportedFormats(t *testing.T) {
	assert.Equal(t, []string{"html", "markdown", "pdf", "tex"}, SupportedFormats())
}
