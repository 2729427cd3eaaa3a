package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/recognizer/internal/httputil"
)

var instanceColors = []color.Color{
	color.RGBA{R: 230, G: 25, B: 75, A: 255},
	color.RGBA{R: 60, G: 180, B: 75, A: 255},
	color.RGBA{R: 0, G: 130, B: 200, A: 255},
	color.RGBA{R: 245, G: 130, B: 48, A: 255},
	color.RGBA{R: 145, G: 30, B: 180, A: 255},
	color.RGBA{R: 70, G: 240, B: 240, A: 255},
}

func toXYs(pts []xy) plotter.XYs {
	out := make(plotter.XYs, len(pts))
	for i, p := range pts {
		out[i] = plotter.XY{X: p.X, Y: p.Y}
	}
	return out
}

// renderOverlayPNG draws ov as a static scatter plot.
func renderOverlayPNG(w io.Writer, ov overlay) error {
	p := plot.New()
	p.Title.Text = ov.title
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	if len(ov.scene) > 0 {
		s, err := plotter.NewScatter(toXYs(ov.scene))
		if err != nil {
			return fmt.Errorf("scene scatter: %w", err)
		}
		s.GlyphStyle.Color = color.Gray{Y: 150}
		s.GlyphStyle.Radius = vg.Points(0.8)
		s.GlyphStyle.Shape = draw.CircleGlyph{}
		p.Add(s)
		p.Legend.Add("scene", s)
	}
	for i, inst := range ov.instances {
		if len(inst) == 0 {
			continue
		}
		s, err := plotter.NewScatter(toXYs(inst))
		if err != nil {
			return fmt.Errorf("instance %d scatter: %w", i, err)
		}
		s.GlyphStyle.Color = instanceColors[i%len(instanceColors)]
		s.GlyphStyle.Radius = vg.Points(2.5)
		s.GlyphStyle.Shape = draw.CrossGlyph{}
		p.Add(s)
		p.Legend.Add(fmt.Sprintf("instance %d", i), s)
	}

	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

// handlePlot renders the same overlay as handleChart as a PNG image.
func (ws *WebServer) handlePlot(w http.ResponseWriter, r *http.Request) {
	ov, ok := ws.currentOverlay(r)
	if !ok {
		httputil.WriteJSONError(w, http.StatusNotFound, "no scene available")
		return
	}
	var buf bytes.Buffer
	if err := renderOverlayPNG(&buf, ov); err != nil {
		httputil.WriteJSONError(w, http.StatusInternalServerError, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
