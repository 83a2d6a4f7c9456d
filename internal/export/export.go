// Package export renders a generated markdown document to print-ready HTML and PDF.
package export

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/base64"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"

	apperrors "github.com/target/sopline/internal/errors"
	"github.com/target/sopline/internal/procexec"
)

const (
	defaultChromium      = "chromium"
	defaultRenderTimeout = 5 * time.Minute
)

//go:embed document.html.tmpl
var documentTemplate string

var pageTmpl = template.Must(template.New("document").
	Funcs(template.FuncMap{"inc": func(i int) int { return i + 1 }}).
	Parse(documentTemplate))

// Document is the content of one export.
type Document struct {
	Title    string
	Markdown string
	// Screenshots are local image paths embedded into the page as data URIs.
	Screenshots []string
}

// Options configure an Exporter.
type Options struct {
	Runner        procexec.Runner
	Chromium      string
	RenderTimeout time.Duration // limit for one chromium print, defaults to 5m
	Logger        *slog.Logger
}

// Exporter converts documents to HTML and PDF.
type Exporter struct {
	runner        procexec.Runner
	chromium      string
	renderTimeout time.Duration
	md            goldmark.Markdown
	logger        *slog.Logger
}

// New constructs an Exporter.
func New(opts Options) (*Exporter, error) {
	if opts.Runner == nil {
		return nil, errors.New("export: runner is required")
	}
	e := &Exporter{
		runner:        opts.Runner,
		chromium:      opts.Chromium,
		renderTimeout: opts.RenderTimeout,
		md: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithParserOptions(parser.WithAutoHeadingID()),
		),
		logger: opts.Logger,
	}
	if e.chromium == "" {
		e.chromium = defaultChromium
	}
	if e.renderTimeout <= 0 {
		e.renderTimeout = defaultRenderTimeout
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "export")
	return e, nil
}

type pageData struct {
	Title       string
	Body        template.HTML
	Screenshots []template.URL
}

// HTML renders doc as a standalone A4 page. Unreadable screenshots are skipped.
func (e *Exporter) HTML(ctx context.Context, doc Document) ([]byte, error) {
	var body bytes.Buffer
	if err := e.md.Convert([]byte(doc.Markdown), &body); err != nil {
		return nil, fmt.Errorf("render markdown: %w", err)
	}

	data := pageData{
		Title: strings.TrimSpace(doc.Title),
		//nolint:gosec // goldmark escapes raw HTML unless html.WithUnsafe is set
		Body: template.HTML(body.String()),
	}
	if data.Title == "" {
		data.Title = "Procedure"
	}
	for _, p := range doc.Screenshots {
		uri, err := dataURI(p)
		if err != nil {
			e.logger.WarnContext(ctx, "skipping screenshot in export", "path", p, "error", err)
			continue
		}
		data.Screenshots = append(data.Screenshots, uri)
	}

	var out bytes.Buffer
	if err := pageTmpl.Execute(&out, data); err != nil {
		return nil, fmt.Errorf("render page: %w", err)
	}
	return out.Bytes(), nil
}

func dataURI(path string) (template.URL, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(raw) == 0 {
		return "", errors.New("empty image")
	}
	mime := http.DetectContentType(raw)
	if !strings.HasPrefix(mime, "image/") {
		return "", fmt.Errorf("not an image: %s", mime)
	}
	//nolint:gosec // the URL is built from a sniffed image type and base64 data
	return template.URL("data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(raw)), nil
}

// PDF writes htmlPath's page to outPath with headless Chromium.
func (e *Exporter) PDF(ctx context.Context, htmlPath, outPath string) error {
	absHTML, err := filepath.Abs(htmlPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o700); err != nil {
		return fmt.Errorf("create pdf dir: %w", err)
	}
	res, err := procexec.Limit(ctx, e.renderTimeout, func(ctx context.Context) (procexec.Result, error) {
		return e.runner.Run(ctx, e.chromium,
			"--headless",
			"--disable-gpu",
			"--no-sandbox",
			"--no-pdf-header-footer",
			"--print-to-pdf="+outPath,
			"file://"+filepath.ToSlash(absHTML),
		)
	})
	if err != nil {
		if procexec.IsNotInstalled(err) {
			return apperrors.ProviderUnavailablef("%s is not properly installed", e.chromium)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if procexec.IsTimeout(err) {
			e.logger.ErrorContext(ctx, "pdf render timed out", "error", err)
			return apperrors.Transformf("Failed to render PDF: browser did not finish in time")
		}
		e.logger.ErrorContext(ctx, "pdf render failed", "exit_code", res.ExitCode, "stderr", res.Stderr)
		return apperrors.Transformf("Failed to render PDF")
	}

	info, err := os.Stat(outPath)
	if err != nil || info.Size() == 0 {
		return apperrors.EmptyOutputf("Rendered PDF is empty")
	}
	return nil
}

// Render writes document.html and the PDF for doc into workDir and returns the PDF path.
func (e *Exporter) Render(ctx context.Context, doc Document, workDir string) (string, error) {
	page, err := e.HTML(ctx, doc)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	htmlPath := filepath.Join(workDir, "document.html")
	if err := os.WriteFile(htmlPath, page, 0o600); err != nil {
		return "", fmt.Errorf("write html: %w", err)
	}
	pdfPath := filepath.Join(workDir, "document.pdf")
	if err := e.PDF(ctx, htmlPath, pdfPath); err != nil {
		return "", err
	}
	return pdfPath, nil
}
