package util

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"
)

// TableColumn represents a column in a table
type TableColumn struct {
	Header string
	Key    string // key to extract from data map
	Width  int    // calculated width
}

// RenderTable writes rows with column widths fitted to the content. Colored
// values are measured without their escape codes.
func RenderTable(w io.Writer, columns []TableColumn, data []map[string]interface{}) {
	if len(data) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	for i := range columns {
		columns[i].Width = displayWidth(columns[i].Header)
		for _, row := range data {
			if value, exists := row[columns[i].Key]; exists {
				if n := displayWidth(fmt.Sprint(value)); n > columns[i].Width {
					columns[i].Width = n
				}
			}
		}
	}

	header := make([]string, len(columns))
	separator := make([]string, len(columns))
	for i, col := range columns {
		header[i] = pad(col.Header, col.Width)
		separator[i] = strings.Repeat("-", col.Width)
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(header, " "), " "))
	fmt.Fprintln(w, strings.Join(separator, " "))

	for _, row := range data {
		parts := make([]string, len(columns))
		for i, col := range columns {
			value := ""
			if v, exists := row[col.Key]; exists {
				value = fmt.Sprint(v)
			}
			parts[i] = pad(value, col.Width)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, " "), " "))
	}
}

var ansiPattern = regexp.MustCompile("\x1b\\[[0-9;]*m")

func displayWidth(s string) int {
	return utf8.RuneCountInString(ansiPattern.ReplaceAllString(s, ""))
}

func pad(s string, width int) string {
	if n := displayWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
