package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// Format is a rendering of a document.
type Format string

const (
	Text Format = "text"
	JSON Format = "json"
	CSV  Format = "csv"
	HTML Format = "html"
)

// ParseFormat resolves a format name; empty means Text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", "txt":
		return Text, nil
	case Text, JSON, CSV, HTML:
		return f, nil
	}
	return "", fmt.Errorf("report: unknown format %q", s)
}

// Extension is the file extension used when publishing.
func (f Format) Extension() string {
	if f == Text {
		return "txt"
	}
	return string(f)
}

// ContentType is the MIME type of the rendering.
func (f Format) ContentType() string {
	switch f {
	case JSON:
		return "application/json"
	case CSV:
		return "text/csv"
	case HTML:
		return "text/html; charset=utf-8"
	}
	return "text/plain; charset=utf-8"
}

// Render writes d to w in format f.
func (d *Document) Render(w io.Writer, f Format) error {
	switch f {
	case Text, "":
		_, err := io.WriteString(w, d.text())
		return err
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	case CSV:
		return d.csv(w)
	case HTML:
		return htmlTemplate.Execute(w, d)
	}
	return fmt.Errorf("report: unknown format %q", f)
}

// Bytes renders d into memory.
func (d *Document) Bytes(f Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := d.Render(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	noteStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func (d *Document) text() string {
	var b strings.Builder
	if d.Title != "" {
		b.WriteString(titleStyle.Render(d.Title))
		b.WriteString("\n")
	}
	if d.RunID != "" {
		b.WriteString(noteStyle.Render("run " + d.RunID))
		b.WriteString("\n")
	}
	for _, s := range d.Sections {
		b.WriteString("\n")
		b.WriteString(titleStyle.Render(s.Title))
		b.WriteString("\n")
		if len(s.Columns) > 0 {
			tbl := table.New().
				Border(lipgloss.NormalBorder()).
				Headers(s.Columns...).
				Rows(s.Rows...).
				StyleFunc(func(row, _ int) lipgloss.Style {
					if row == table.HeaderRow {
						return headerStyle
					}
					return cellStyle
				})
			b.WriteString(tbl.String())
			b.WriteString("\n")
		}
		style := noteStyle
		if s.Kind == KindWarnings {
			style = warnStyle
		}
		for _, n := range s.Notes {
			b.WriteString(style.Render(n))
			b.WriteString("\n")
		}
	}
	return b.String()
}

// csv writes every section as a block: a "# title" line, the header row and
// the rows, separated by blank lines.
func (d *Document) csv(w io.Writer) error {
	cw := csv.NewWriter(w)
	for i, s := range d.Sections {
		if i > 0 {
			if err := cw.Write([]string{""}); err != nil {
				return err
			}
		}
		if err := cw.Write([]string{"# " + s.Title}); err != nil {
			return err
		}
		if len(s.Columns) > 0 {
			if err := cw.Write(s.Columns); err != nil {
				return err
			}
			if err := cw.WriteAll(s.Rows); err != nil {
				return err
			}
		}
		for _, n := range s.Notes {
			if err := cw.Write([]string{"# " + n}); err != nil {
				return err
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

var htmlTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
table { border-collapse: collapse; margin-bottom: 1em; }
th, td { border: 1px solid #ccc; padding: 0.25em 0.6em; text-align: right; }
th:first-child, td:first-child { text-align: left; }
.warnings li { color: #b35900; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
{{if .RunID}}<p>run {{.RunID}}</p>{{end}}
{{range .Sections}}<section class="{{.Kind}}">
<h2>{{.Title}}</h2>
{{if .Columns}}<table>
<thead><tr>{{range .Columns}}<th>{{.}}</th>{{end}}</tr></thead>
<tbody>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</tbody>
</table>{{end}}
{{if .Notes}}<ul>{{range .Notes}}<li>{{.}}</li>{{end}}</ul>{{end}}
</section>
{{end}}</body>
</html>
`))
