package report

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/models"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/renderer/html"
	"github.com/yuin/goldmark/text"
)

// Service renders UserJob run reports as Markdown, HTML and PDF
type Service struct {
	logger arbor.ILogger
}

// NewService creates a new report service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		logger: logger,
	}
}

// BuildMarkdown summarises a UserJob, every sub-job and resource usage per classifier
func (s *Service) BuildMarkdown(job *models.UserJob, children []*models.SubJob) string {
	var b strings.Builder

	title := job.Title
	if title == "" {
		title = "User job " + job.ID
	}
	fmt.Fprintf(&b, "# %s\n\n", escape(title))

	fmt.Fprintf(&b, "**User job:** %s  \n", job.ID)
	fmt.Fprintf(&b, "**Mode:** %s  \n", job.Mode)
	fmt.Fprintf(&b, "**Status:** %s  \n", job.Status)
	fmt.Fprintf(&b, "**Progress:** %d / %d sub-jobs completed  \n", job.ChildJobsCompleted, job.TotalChildJobs)
	fmt.Fprintf(&b, "**Read types:** %s  \n", strings.Join(job.ReadTypes, ", "))
	fmt.Fprintf(&b, "**Classifiers:** %s  \n", strings.Join(job.Classifiers, ", "))
	fmt.Fprintf(&b, "**Submitted:** %s  \n", formatTime(&job.CreatedAt))
	if job.CompletedAt != nil {
		fmt.Fprintf(&b, "**Finished:** %s  \n", formatTime(job.CompletedAt))
	}
	if job.Error != "" {
		fmt.Fprintf(&b, "**Error:** %s  \n", escape(job.Error))
	}

	b.WriteString("\n## Sub-jobs\n\n")
	b.WriteString("| Type | Read type | Classifier | Status | Position | CPU (s) | Wall (s) | Max memory (MB) |\n")
	b.WriteString("|---|---|---|---|---:|---:|---:|---:|\n")
	for _, c := range children {
		fmt.Fprintf(&b, "| %s | %s | %s | %s | %d | %.2f | %.2f | %.1f |\n",
			c.Type, escape(c.ReadType), escape(orDash(c.Classifier)), c.State.Status,
			c.State.QueuePosition, c.State.CPUTime, c.State.WallClockTime, c.State.MaxMemoryMBs)
	}

	usage := classifierUsage(children)
	if len(usage) > 0 {
		b.WriteString("\n## Resource usage by classifier\n\n")
		b.WriteString("| Classifier | Runs | CPU (s) | Wall (s) | Peak memory (MB) |\n")
		b.WriteString("|---|---:|---:|---:|---:|\n")
		for _, u := range usage {
			fmt.Fprintf(&b, "| %s | %d | %.2f | %.2f | %.1f |\n", escape(u.name), u.runs, u.cpu, u.wall, u.peak)
		}
	}

	var failures []*models.SubJob
	for _, c := range children {
		if c.State.Error != "" {
			failures = append(failures, c)
		}
	}
	if len(failures) > 0 {
		b.WriteString("\n## Errors\n\n")
		for _, c := range failures {
			fmt.Fprintf(&b, "- **%s %s %s**: %s\n", c.Type, escape(c.ReadType), escape(c.Classifier), escape(c.State.Error))
		}
	}

	return b.String()
}

type usageRow struct {
	name      string
	runs      int
	cpu, wall float64
	peak      float64
}

func classifierUsage(children []*models.SubJob) []usageRow {
	byName := make(map[string]*usageRow)
	for _, c := range children {
		if c.Type != models.JobTypeClassification || c.State.Status != models.JobStatusCompleted {
			continue
		}
		u, ok := byName[c.Classifier]
		if !ok {
			u = &usageRow{name: c.Classifier}
			byName[c.Classifier] = u
		}
		u.runs++
		u.cpu += c.State.CPUTime
		u.wall += c.State.WallClockTime
		if c.State.MaxMemoryMBs > u.peak {
			u.peak = c.State.MaxMemoryMBs
		}
	}

	rows := make([]usageRow, 0, len(byName))
	for _, u := range byName {
		rows = append(rows, *u)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })
	return rows
}

// RenderHTML converts report markdown to a standalone HTML page
func (s *Service) RenderHTML(markdown, title string) ([]byte, error) {
	md := goldmark.New(
		goldmark.WithExtensions(extension.GFM),
		goldmark.WithRendererOptions(
			html.WithHardWraps(),
			html.WithXHTML(),
		),
	)

	var body bytes.Buffer
	if err := md.Convert([]byte(markdown), &body); err != nil {
		s.logger.Error().Err(err).Msg("Failed to convert report to HTML")
		return nil, fmt.Errorf("failed to render HTML report: %w", err)
	}

	var page bytes.Buffer
	page.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"/>")
	fmt.Fprintf(&page, "<title>%s</title>", htmlEscape(title))
	page.WriteString("<style>body{font-family:sans-serif;margin:2em}table{border-collapse:collapse}" +
		"th,td{border:1px solid #ccc;padding:4px 8px}th{background:#eee}</style></head><body>\n")
	page.Write(body.Bytes())
	page.WriteString("</body></html>\n")
	return page.Bytes(), nil
}

// RenderPDF converts report markdown to an A4 PDF
func (s *Service) RenderPDF(markdown, title string) ([]byte, error) {
	pdf := fpdf.New("L", "mm", "A4", "")
	pdf.SetTitle(title, true)
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 10)
	pdf.AddPage()
	pdf.SetFont("Arial", "", 9)

	md := goldmark.New(goldmark.WithExtensions(extension.Table))
	source := []byte(markdown)
	doc := md.Parser().Parse(text.NewReader(source))

	r := &pdfRenderer{pdf: pdf, source: source}
	if err := ast.Walk(doc, r.walk); err != nil {
		return nil, fmt.Errorf("failed to generate PDF: %w", err)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		s.logger.Error().Err(err).Msg("Failed to generate PDF output")
		return nil, fmt.Errorf("failed to generate PDF output: %w", err)
	}

	s.logger.Debug().Int("pdf_size", buf.Len()).Msg("Report PDF generated")
	return buf.Bytes(), nil
}

type pdfRenderer struct {
	pdf    *fpdf.Fpdf
	source []byte
	bold   bool
}

func (r *pdfRenderer) font() {
	style := ""
	if r.bold {
		style = "B"
	}
	r.pdf.SetFont("Arial", style, 9)
}

func (r *pdfRenderer) walk(n ast.Node, entering bool) (ast.WalkStatus, error) {
	switch node := n.(type) {
	case *ast.Heading:
		if entering {
			r.pdf.Ln(4)
			size := 11.0
			if node.Level == 1 {
				size = 14
			}
			r.pdf.SetFont("Arial", "B", size)
		} else {
			r.pdf.Ln(7)
			r.font()
		}
	case *ast.Paragraph:
		if !entering {
			r.pdf.Ln(6)
		}
	case *ast.Text:
		if entering {
			r.pdf.Write(5, string(node.Segment.Value(r.source)))
			if node.HardLineBreak() || node.SoftLineBreak() {
				r.pdf.Ln(5)
			}
		}
	case *ast.Emphasis:
		if node.Level == 2 {
			r.bold = entering
			r.font()
		}
	case *ast.ListItem:
		if entering {
			r.pdf.Ln(1)
			r.pdf.Write(5, "- ")
		} else {
			r.pdf.Ln(4)
		}
	case *extast.Table:
		if entering {
			r.table(node)
			return ast.WalkSkipChildren, nil
		}
	}
	return ast.WalkContinue, nil
}

func (r *pdfRenderer) table(n *extast.Table) {
	var rows [][]string
	for child := n.FirstChild(); child != nil; child = child.NextSibling() {
		var cells []string
		for cell := child.FirstChild(); cell != nil; cell = cell.NextSibling() {
			cells = append(cells, string(cell.Text(r.source)))
		}
		rows = append(rows, cells)
	}
	if len(rows) == 0 || len(rows[0]) == 0 {
		return
	}

	pageWidth, _ := r.pdf.GetPageSize()
	left, _, right, _ := r.pdf.GetMargins()
	width := (pageWidth - left - right) / float64(len(rows[0]))

	for i, row := range rows {
		if i == 0 {
			r.pdf.SetFont("Arial", "B", 8)
			r.pdf.SetFillColor(230, 230, 230)
		} else {
			r.pdf.SetFont("Arial", "", 8)
			r.pdf.SetFillColor(255, 255, 255)
		}
		for _, cell := range row {
			r.pdf.CellFormat(width, 6, truncate(r.pdf, cell, width-2), "1", 0, "L", true, 0, "")
		}
		r.pdf.Ln(-1)
	}
	r.pdf.Ln(3)
	r.font()
}

func truncate(pdf *fpdf.Fpdf, s string, width float64) string {
	if pdf.GetStringWidth(s) <= width {
		return s
	}
	for len(s) > 0 && pdf.GetStringWidth(s+"...") > width {
		s = s[:len(s)-1]
	}
	return s + "..."
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05 UTC")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

var markdownEscaper = strings.NewReplacer("|", "\\|", "*", "\\*", "_", "\\_", "`", "\\`")

func escape(s string) string {
	return markdownEscaper.Replace(s)
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\"", "&quot;")

func htmlEscape(s string) string {
	return htmlEscaper.Replace(s)
}
