package report

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/shinji-kodama/treeserve/internal/bench"
)

// palette cycles through distinguishable line colors.
var palette = []color.Color{
	color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	color.RGBA{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
}

func lineColor(i int) color.Color {
	return palette[i%len(palette)]
}

// PlotROC writes one ROC curve per entry to a PNG at path, with the chance
// diagonal for reference.
func PlotROC(path string, curves ...*Curve) error {
	if len(curves) == 0 {
		return fmt.Errorf("report: no ROC curves to plot")
	}

	p := plot.New()
	p.Title.Text = "ROC"
	p.X.Label.Text = "False positive rate"
	p.Y.Label.Text = "True positive rate"
	p.X.Min, p.X.Max = 0, 1
	p.Y.Min, p.Y.Max = 0, 1

	chance, err := plotter.NewLine(plotter.XYs{{X: 0, Y: 0}, {X: 1, Y: 1}})
	if err != nil {
		return err
	}
	chance.Color = color.Gray{Y: 0x99}
	chance.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}
	p.Add(chance)

	for i, c := range curves {
		pts := make(plotter.XYs, len(c.FPR))
		for j := range c.FPR {
			pts[j] = plotter.XY{X: c.FPR[j], Y: c.TPR[j]}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("report: curve %s: %w", c.Name, err)
		}
		line.Color = lineColor(i)
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(fmt.Sprintf("%s (AUC %.4f)", c.Name, c.AUC), line)
	}
	p.Legend.Top = false
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = 10

	return save(p, 6*vg.Inch, 6*vg.Inch, path)
}

// PlotLatencyThroughput writes throughput against p99 latency, one line per
// sweep, to a PNG at path.
func PlotLatencyThroughput(path string, sweeps ...*bench.Sweep) error {
	if len(sweeps) == 0 {
		return fmt.Errorf("report: no sweeps to plot")
	}

	p := plot.New()
	p.Title.Text = "Throughput vs p99 latency"
	p.X.Label.Text = "p99 latency (ms)"
	p.Y.Label.Text = "Inferences / second"

	for i, s := range sweeps {
		pts := make(plotter.XYs, 0, len(s.Results))
		for _, r := range s.Results {
			pts = append(pts, plotter.XY{X: float64(r.P99.Microseconds()) / 1000, Y: r.Throughput})
		}
		if len(pts) == 0 {
			continue
		}
		line, points, err := plotter.NewLinePoints(pts)
		if err != nil {
			return fmt.Errorf("report: sweep %s: %w", s.Model, err)
		}
		line.Color = lineColor(i)
		line.Width = vg.Points(1.5)
		points.Color = lineColor(i)
		p.Add(line, points)
		p.Legend.Add(fmt.Sprintf("%s (%s, %s)", s.Model, s.Protocol, s.Tool), line)
	}
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10

	return save(p, 8*vg.Inch, 5*vg.Inch, path)
}

func save(p *plot.Plot, w, h vg.Length, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("report: failed to create output dir: %w", err)
	}
	if err := p.Save(w, h, path); err != nil {
		return fmt.Errorf("report: failed to save %s: %w", path, err)
	}
	return nil
}
