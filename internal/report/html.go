package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/shinji-kodama/treeserve/internal/bench"
)

// SweepHTML renders an HTML page with two line charts over concurrency:
// throughput and p99 latency, one series per sweep. Levels a sweep did not
// measure are left as gaps.
func SweepHTML(w io.Writer, sweeps ...*bench.Sweep) error {
	if len(sweeps) == 0 {
		return fmt.Errorf("report: no sweeps to render")
	}

	levelSet := map[int]bool{}
	for _, s := range sweeps {
		for _, r := range s.Results {
			levelSet[r.Concurrency] = true
		}
	}
	levels := make([]int, 0, len(levelSet))
	for l := range levelSet {
		levels = append(levels, l)
	}
	sort.Ints(levels)
	xAxis := make([]string, len(levels))
	for i, l := range levels {
		xAxis[i] = strconv.Itoa(l)
	}

	throughput := newSweepChart("Throughput", "inferences/s")
	latency := newSweepChart("p99 latency", "ms")
	throughput.SetXAxis(xAxis)
	latency.SetXAxis(xAxis)

	for _, s := range sweeps {
		byLevel := make(map[int]bench.Result, len(s.Results))
		for _, r := range s.Results {
			byLevel[r.Concurrency] = r
		}
		tp := make([]opts.LineData, len(levels))
		lat := make([]opts.LineData, len(levels))
		for i, l := range levels {
			r, ok := byLevel[l]
			if !ok {
				tp[i] = opts.LineData{Value: "-"}
				lat[i] = opts.LineData{Value: "-"}
				continue
			}
			tp[i] = opts.LineData{Value: r.Throughput}
			lat[i] = opts.LineData{Value: float64(r.P99.Microseconds()) / 1000}
		}
		name := fmt.Sprintf("%s (%s)", s.Model, s.Protocol)
		throughput.AddSeries(name, tp)
		latency.AddSeries(name, lat)
	}

	page := components.NewPage()
	page.PageTitle = "treeserve performance sweep"
	page.AddCharts(throughput, latency)
	return page.Render(w)
}

func newSweepChart(title, unit string) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "900px", Height: "420px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: unit}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Bottom: "0"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "concurrency", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: unit}),
	)
	return line
}
