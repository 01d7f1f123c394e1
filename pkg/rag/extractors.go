package rag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"
)

// ExtractText pulls plain text out of a document for knowledge indexing.
// Markdown and plain text pass through; pdf, docx, and xlsx go through
// their format parsers.
func ExtractText(ctx context.Context, path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pdf":
		return extractPDF(ctx, path)
	case ".docx":
		return extractDocx(path)
	case ".xlsx", ".xls":
		return extractExcel(ctx, path)
	default:
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", path, err)
		}
		return decodeText(raw), nil
	}
}

func extractPDF(ctx context.Context, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", fmt.Errorf("stat pdf: %w", err)
	}

	reader, err := pdf.NewReader(file, info.Size())
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}

	var sb strings.Builder
	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		if numPages > 1 {
			sb.WriteString(fmt.Sprintf("--- Page %d ---\n", i))
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

func extractDocx(path string) (string, error) {
	doc, err := docx.ReadDocxFile(path)
	if err != nil {
		return "", fmt.Errorf("parse docx: %w", err)
	}
	defer doc.Close()
	return doc.Editable().GetContent(), nil
}

// extractExcel renders sheets as "Sheet: name" sections with cellRef: value
// lines, capped per sheet so giant spreadsheets stay bounded.
func extractExcel(ctx context.Context, path string) (string, error) {
	const maxCellsPerSheet = 1000

	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", fmt.Errorf("parse excel: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for _, sheetName := range f.GetSheetList() {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		rows, err := f.GetRows(sheetName)
		if err != nil {
			continue
		}

		sb.WriteString(fmt.Sprintf("Sheet: %s\n", sheetName))
		cells := 0
		for rowIndex, row := range rows {
			for colIndex, value := range row {
				if value == "" {
					continue
				}
				if cells >= maxCellsPerSheet {
					sb.WriteString("... (truncated)\n")
					break
				}
				sb.WriteString(fmt.Sprintf("%s%d: %s\n", columnLetter(colIndex), rowIndex+1, value))
				cells++
			}
			if cells >= maxCellsPerSheet {
				break
			}
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// columnLetter converts a zero-based column index to its letter reference
// (0 -> A, 25 -> Z, 26 -> AA).
func columnLetter(col int) string {
	letter := ""
	for col >= 0 {
		letter = string(rune('A'+col%26)) + letter
		col = col/26 - 1
	}
	return letter
}
