// Package source loads the text to translate from plain text, HTML pages or
// subtitle files.
package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/asticode/go-astisub"
	"github.com/go-shiori/go-readability"
)

// MaxSourceBytes caps how much input is read.
const MaxSourceBytes = 64 << 20

type Format string

const (
	FormatText     Format = "text"
	FormatHTML     Format = "html"
	FormatSubtitle Format = "subtitle"
)

var ErrTooLarge = errors.New("source exceeds size limit")

// Document is loaded source text. Paragraphs are separated by a blank line.
type Document struct {
	Title  string
	Text   string
	Format Format
}

// FormatOf picks the loader for path by extension. Unknown extensions are
// read as text.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".html", ".htm", ".xhtml":
		return FormatHTML
	case ".srt", ".vtt", ".ssa", ".ass", ".stl", ".ttml":
		return FormatSubtitle
	default:
		return FormatText
	}
}

// Load reads path. "-" reads plain text from stdin.
func Load(path string) (Document, error) {
	if path == "-" {
		return LoadReader(os.Stdin, FormatText, "")
	}
	format := FormatOf(path)
	if format == FormatSubtitle {
		subs, err := astisub.OpenFile(path)
		if err != nil {
			return Document{}, fmt.Errorf("failed to parse subtitles %s: %w", path, err)
		}
		return fromSubtitles(subs, filepath.Base(path))
	}
	f, err := os.Open(path)
	if err != nil {
		return Document{}, err
	}
	defer f.Close()
	return LoadReader(f, format, path)
}

// LoadReader reads r as format. name is used as the page URL for HTML and
// as the title fallback.
func LoadReader(r io.Reader, format Format, name string) (Document, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSourceBytes+1))
	if err != nil {
		return Document{}, err
	}
	if len(data) > MaxSourceBytes {
		return Document{}, ErrTooLarge
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	switch format {
	case FormatHTML:
		return fromHTML(data, name)
	case FormatSubtitle:
		subs, err := astisub.ReadFromSRT(bytes.NewReader(data))
		if err != nil {
			return Document{}, fmt.Errorf("failed to parse subtitles: %w", err)
		}
		return fromSubtitles(subs, filepath.Base(name))
	default:
		return Document{Title: filepath.Base(name), Text: string(data), Format: FormatText}, nil
	}
}

func fromHTML(data []byte, name string) (Document, error) {
	pageURL, err := url.Parse(name)
	if err != nil {
		pageURL = &url.URL{}
	}
	article, err := readability.FromReader(bytes.NewReader(data), pageURL)
	if err != nil {
		return Document{}, fmt.Errorf("failed to extract article text: %w", err)
	}
	text := paragraphs(strings.Split(article.TextContent, "\n"))
	if text == "" {
		return Document{}, fmt.Errorf("no readable text found in %s", name)
	}
	title := strings.TrimSpace(article.Title)
	if title == "" {
		title = filepath.Base(name)
	}
	return Document{Title: title, Text: text, Format: FormatHTML}, nil
}

func fromSubtitles(subs *astisub.Subtitles, title string) (Document, error) {
	cues := make([]string, 0, len(subs.Items))
	for _, item := range subs.Items {
		lines := make([]string, 0, len(item.Lines))
		for _, l := range item.Lines {
			if s := strings.TrimSpace(l.String()); s != "" {
				lines = append(lines, s)
			}
		}
		cues = append(cues, strings.Join(lines, " "))
	}
	text := paragraphs(cues)
	if text == "" {
		return Document{}, errors.New("file contains subtitles but no dialogue text")
	}
	return Document{Title: title, Text: text, Format: FormatSubtitle}, nil
}

// paragraphs joins the non-blank entries with blank lines.
func paragraphs(lines []string) string {
	kept := lines[:0:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			kept = append(kept, l)
		}
	}
	return strings.Join(kept, "\n\n")
}
