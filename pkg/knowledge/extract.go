package knowledge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

type SourceKind string

const (
	SourceText      SourceKind = "text"
	SourceFile      SourceKind = "file"
	SourceDirectory SourceKind = "directory"
	SourceQuery     SourceKind = "query"
	SourceURL       SourceKind = "url"
)

// Source is one unit of material to index. Name labels the material in
// search results; the remaining fields depend on Kind.
type Source struct {
	Kind      SourceKind
	Name      string
	Text      string           // SourceText
	Path      string           // SourceFile, SourceDirectory
	Recursive bool             // SourceDirectory
	Include   string           // SourceDirectory glob, e.g. "*.md"
	Exclude   string           // SourceDirectory glob
	Rows      []map[string]any // SourceQuery
	URL       string           // SourceURL
}

// document is extracted text ready for chunking.
type document struct {
	name string
	text string
}

// extract resolves a source into one or more documents.
func (s *Service) extract(ctx context.Context, src Source) ([]document, error) {
	switch src.Kind {
	case SourceText:
		return []document{{name: src.label(src.Name), text: src.Text}}, nil

	case SourceFile:
		text, err := extractFile(ctx, src.Path)
		if err != nil {
			return nil, err
		}
		return []document{{name: src.label(src.Path), text: text}}, nil

	case SourceDirectory:
		return s.extractDirectory(ctx, src)

	case SourceQuery:
		return []document{{name: src.label("query"), text: rowsToText(src.Rows)}}, nil

	case SourceURL:
		text, err := s.fetchURL(ctx, src.URL)
		if err != nil {
			return nil, err
		}
		return []document{{name: src.label(src.URL), text: text}}, nil

	default:
		return nil, fmt.Errorf("unknown source kind %q", src.Kind)
	}
}

func (s Source) label(fallback string) string {
	if s.Name != "" {
		return s.Name
	}
	return fallback
}

func (s *Service) extractDirectory(ctx context.Context, src Source) ([]document, error) {
	include := src.Include
	if include == "" {
		include = "*"
	}

	var docs []document
	walk := func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			if !src.Recursive && path != src.Path {
				return filepath.SkipDir
			}
			return nil
		}
		base := filepath.Base(path)
		if ok, _ := filepath.Match(include, base); !ok {
			return nil
		}
		if src.Exclude != "" {
			if skip, _ := filepath.Match(src.Exclude, base); skip {
				return nil
			}
		}

		text, extractErr := extractFile(ctx, path)
		if extractErr != nil {
			s.log.Warn("skipping unreadable file", "path", path, "error", extractErr)
			return nil
		}
		if strings.TrimSpace(text) != "" {
			docs = append(docs, document{name: path, text: text})
		}
		return nil
	}

	if err := filepath.WalkDir(src.Path, walk); err != nil {
		return nil, fmt.Errorf("failed to walk directory %s: %w", src.Path, err)
	}
	return docs, nil
}

// extractFile reads a file as text, going through the format-specific
// extractor for pdf, docx and xlsx. Everything else is treated as plain
// text.
func extractFile(ctx context.Context, path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return extractPDF(ctx, path)
	case ".docx":
		return extractDOCX(path)
	case ".xlsx":
		return extractXLSX(path)
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", path, err)
		}
		return string(data), nil
	}
}

func extractPDF(ctx context.Context, path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %w", path, err)
	}
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer file.Close()

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return "", fmt.Errorf("failed to parse PDF %s: %w", path, err)
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n\n"), nil
}

func extractDOCX(path string) (string, error) {
	reader, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to open DOCX %s: %w", path, err)
	}
	defer reader.Close()
	return reader.Editable().GetContent(), nil
}

func extractXLSX(path string) (string, error) {
	file, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to open XLSX %s: %w", path, err)
	}
	defer file.Close()

	var b strings.Builder
	for _, sheet := range file.GetSheetList() {
		rows, err := file.GetRows(sheet)
		if err != nil {
			continue
		}
		fmt.Fprintf(&b, "Sheet: %s\n", sheet)
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
		b.WriteByte('\n')
	}
	return b.String(), nil
}

func (s *Service) fetchURL(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request for %s: %w", url, err)
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetching %s returned HTTP %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", url, err)
	}
	return string(body), nil
}

// rowsToText renders query result rows as indexable lines.
func rowsToText(rows []map[string]any) string {
	var b strings.Builder
	for _, row := range rows {
		first := true
		for _, key := range sortedKeys(row) {
			if !first {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s: %v", key, row[key])
			first = false
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
