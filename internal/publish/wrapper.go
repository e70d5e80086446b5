package publish

import (
	"bytes"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"time"
)

// StampLayout formats the wrapper's "Last Updated" line.
const StampLayout = "2006-01-02 15:04:05"

var wrapperTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <meta http-equiv="refresh" content="{{.RefreshSeconds}}">
    <title>{{.Title}}</title>
    <style>
        body { font-family: Arial, sans-serif; text-align: center; }
        .update-time { color: green; font-size: 18px; margin: 20px; }
        img { max-width: 100%; height: auto; }
    </style>
</head>
<body>
    <div class="update-time">Last Updated: {{.UpdatedAt}}</div>
    <img src="{{.ImageSrc}}" alt="Server Population Graph">
</body>
</html>
`))

// Wrapper describes the auto-refreshing page that embeds the chart.
type Wrapper struct {
	Path           string
	Title          string
	RefreshSeconds int
}

type wrapperData struct {
	Title          string
	RefreshSeconds int
	UpdatedAt      string
	ImageSrc       string
}

// Write renders the page for artifact (a path on disk) and replaces
// w.Path atomically. The image reference is relative to the page.
func (w Wrapper) Write(artifact string, now time.Time) error {
	src, err := relativeSrc(w.Path, artifact)
	if err != nil {
		return err
	}
	return w.WriteSrc(src, now)
}

// WriteSrc renders the page with src used verbatim as the image reference.
func (w Wrapper) WriteSrc(src string, now time.Time) error {
	var buf bytes.Buffer
	if err := wrapperTemplate.Execute(&buf, wrapperData{
		Title:          w.Title,
		RefreshSeconds: w.RefreshSeconds,
		UpdatedAt:      now.Format(StampLayout),
		ImageSrc:       src,
	}); err != nil {
		return fmt.Errorf("rendering wrapper: %w", err)
	}

	return writeFileAtomic(w.Path, buf.Bytes())
}

func relativeSrc(page, artifact string) (string, error) {
	pageDir, err := filepath.Abs(filepath.Dir(page))
	if err != nil {
		return "", fmt.Errorf("resolving wrapper dir: %w", err)
	}
	abs, err := filepath.Abs(artifact)
	if err != nil {
		return "", fmt.Errorf("resolving artifact: %w", err)
	}
	rel, err := filepath.Rel(pageDir, abs)
	if err != nil {
		return "", fmt.Errorf("relating artifact to wrapper: %w", err)
	}
	return filepath.ToSlash(rel), nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
