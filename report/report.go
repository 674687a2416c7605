// Package report renders an HTML page of engine behaviour: the hottest
// addresses, compile times and what the code cache holds per tier.
package report

import (
	"fmt"
	"io"
	"os"

	"github.com/colorfulnotion/tiervm/codecache"
	"github.com/colorfulnotion/tiervm/engine"
	"github.com/colorfulnotion/tiervm/hotspot"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/jit"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

type Data struct {
	Hotspots []hotspot.Record
	Compiles []jit.CompileRecord
	Blocks   []codecache.BlockInfo
}

// FromEngine snapshots e, keeping the top hottest addresses.
func FromEngine(e *engine.Engine, top int) Data {
	return Data{
		Hotspots: e.Detector().Top(top),
		Compiles: e.Compiler().History(),
		Blocks:   e.Cache().Blocks(),
	}
}

func hotspotChart(recs []hotspot.Record) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Hot addresses", Subtitle: "decayed execution frequency by tier"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	x := make([]string, len(recs))
	series := make([][]opts.BarData, ir.NumTiers)
	for t := range series {
		series[t] = make([]opts.BarData, len(recs))
	}
	for i, r := range recs {
		x[i] = r.Address.String()
		for t := range series {
			// one bar per address, placed in its tier's series
			series[t][i] = opts.BarData{Value: "-"}
		}
		series[r.Tier][i] = opts.BarData{
			Value: r.EWMA,
			Tooltip: &opts.Tooltip{
				Show:      opts.Bool(true),
				Formatter: types.FuncStr(fmt.Sprintf("%s: %.1f (raw %d, %s)", r.Address, r.EWMA, r.RawCount, r.Temperature)),
			},
		}
	}
	bar.SetXAxis(x)
	for t := range series {
		bar.AddSeries(ir.Tier(t).String(), series[t], charts.WithBarChartOpts(opts.BarChart{Stack: "tier"}))
	}
	return bar
}

func compileChart(recs []jit.CompileRecord) *charts.Line {
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Compilations", Subtitle: "wall time per compile, microseconds"}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	x := make([]string, len(recs))
	byTier := make([][]opts.LineData, ir.NumTiers)
	for t := range byTier {
		byTier[t] = make([]opts.LineData, len(recs))
	}
	for i, r := range recs {
		x[i] = fmt.Sprintf("%d:%s", i, r.Addr)
		for t := range byTier {
			byTier[t][i] = opts.LineData{Value: "-"}
		}
		name := fmt.Sprintf("%s %s ops %d->%d", r.Addr, r.Tier, r.Ops, r.OptOps)
		if r.Err != "" {
			name += " failed"
		}
		byTier[r.Tier][i] = opts.LineData{Name: name, Value: float64(r.Duration.Nanoseconds()) / 1e3}
	}
	line.SetXAxis(x)
	for t := ir.TierBaseline; t < ir.NumTiers; t++ {
		line.AddSeries(t.String(), byTier[t], charts.WithLineChartOpts(opts.LineChart{ConnectNulls: opts.Bool(true)}))
	}
	return line
}

func cacheChart(blocks []codecache.BlockInfo) *charts.Pie {
	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: "Code cache", Subtitle: fmt.Sprintf("%d resident blocks", len(blocks))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	var counts [ir.NumTiers]int
	for _, b := range blocks {
		counts[b.Tier]++
	}
	var data []opts.PieData
	for t, n := range counts {
		if n > 0 {
			data = append(data, opts.PieData{Name: ir.Tier(t).String(), Value: n})
		}
	}
	pie.AddSeries("blocks", data).SetSeriesOptions(
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Formatter: "{b}: {c}"}),
	)
	return pie
}

// Render writes the report page to w.
func Render(w io.Writer, d Data) error {
	page := components.NewPage()
	page.PageTitle = "tiervm report"
	page.AddCharts(hotspotChart(d.Hotspots), compileChart(d.Compiles), cacheChart(d.Blocks))
	return page.Render(w)
}

func WriteFile(path string, d Data) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Render(f, d); err != nil {
		f.Close()
		return fmt.Errorf("render %s: %w", path, err)
	}
	return f.Close()
}
