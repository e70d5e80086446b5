// Package render draws the population history as a PNG line chart.
package render

import (
	"context"
	"fmt"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/population-tracker/population-tracker/internal/population"
)

// StampLayout formats the "Last Updated" stamp on the chart and wrapper.
const StampLayout = "2006-01-02 15:04:05"

var (
	lineColor  = color.RGBA{B: 255, A: 255}
	stampColor = color.RGBA{G: 128, A: 255}
)

// Options controls chart geometry and output location.
type Options struct {
	ArtifactPath string
	Title        string
	Width        vg.Length
	Height       vg.Length
	DPI          int
}

// Renderer turns an ordered history into a chart file at a fixed path.
type Renderer struct {
	opts   Options
	now    func() time.Time
	logger *logrus.Entry
}

// New creates a Renderer. now supplies the "Last Updated" time; nil means
// time.Now.
func New(opts Options, now func() time.Time, logger *logrus.Entry) *Renderer {
	if now == nil {
		now = time.Now
	}
	if opts.DPI <= 0 {
		opts.DPI = vgimg.DefaultDPI
	}
	return &Renderer{
		opts:   opts,
		now:    now,
		logger: logger.WithField("component", "renderer"),
	}
}

// ArtifactPath returns where Render writes the chart.
func (r *Renderer) ArtifactPath() string {
	return r.opts.ArtifactPath
}

// Render plots every sample in the order given and writes the PNG. Empty
// and single-point histories produce a valid, if sparse, chart.
func (r *Renderer) Render(ctx context.Context, history []population.Sample) (string, error) {
	renderedAt := r.now()

	p, err := r.buildPlot(history, renderedAt)
	if err != nil {
		return "", population.NewError(population.StageRender, err)
	}
	if err := ctx.Err(); err != nil {
		return "", population.NewError(population.StageRender, err)
	}

	c := vgimg.NewWith(vgimg.UseWH(r.opts.Width, r.opts.Height), vgimg.UseDPI(r.opts.DPI))
	p.Draw(draw.New(c))
	if err := ctx.Err(); err != nil {
		return "", population.NewError(population.StageRender, err)
	}

	if err := writePNG(r.opts.ArtifactPath, c); err != nil {
		return "", population.NewError(population.StageRender, err)
	}

	r.logger.WithFields(logrus.Fields{
		"points":   len(history),
		"artifact": r.opts.ArtifactPath,
	}).Debug("chart rendered")

	return r.opts.ArtifactPath, nil
}

func (r *Renderer) buildPlot(history []population.Sample, renderedAt time.Time) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = r.opts.Title
	p.X.Label.Text = "Time"
	p.Y.Label.Text = "Number of Players"
	p.X.Tick.Marker = plot.TimeTicks{Format: "2006-01-02\n15:04"}
	p.X.Tick.Label.Rotation = math.Pi / 4
	p.X.Tick.Label.XAlign = draw.XRight
	p.X.Tick.Label.YAlign = draw.YCenter

	// The legend carries the green "Last Updated" stamp in the top-left corner.
	p.Legend.Top = true
	p.Legend.Left = true
	p.Legend.TextStyle.Color = stampColor
	p.Legend.Add("Last Updated: " + renderedAt.Format(StampLayout))

	grid := plotter.NewGrid()
	grid.Vertical.Color = color.Gray{Y: 200}
	grid.Horizontal.Color = color.Gray{Y: 200}
	p.Add(grid)

	if len(history) == 0 {
		// Nothing to plot yet: show the hour leading up to the render.
		p.X.Min = float64(renderedAt.Add(-time.Hour).Unix())
		p.X.Max = float64(renderedAt.Unix())
		p.Y.Min = 0
		p.Y.Max = 1
		return p, nil
	}

	pts := make(plotter.XYs, len(history))
	maxPlayers := 0
	for i, s := range history {
		pts[i].X = float64(s.Timestamp.Unix())
		pts[i].Y = float64(s.Players)
		if s.Players > maxPlayers {
			maxPlayers = s.Players
		}
	}

	line, points, err := plotter.NewLinePoints(pts)
	if err != nil {
		return nil, fmt.Errorf("building series: %w", err)
	}
	line.Color = lineColor
	line.Width = vg.Points(2)
	points.Color = lineColor
	points.Shape = draw.CircleGlyph{}
	points.Radius = vg.Points(2)
	p.Add(line, points)

	if len(history) == 1 {
		// Widen a single instant so the axis has a usable range.
		x := pts[0].X
		p.X.Min = x - 300
		p.X.Max = x + 300
	}
	p.Y.Min = 0
	if maxPlayers == 0 {
		p.Y.Max = 1
	}
	return p, nil
}

// writePNG encodes c into a temp file beside path and renames it into place.
func writePNG(path string, c *vgimg.Canvas) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := (vgimg.PngCanvas{Canvas: c}).WriteTo(tmp); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encoding png: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing png: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing png: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod png: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}
