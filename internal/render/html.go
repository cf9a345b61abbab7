// Package render turns the final long table into figures: an interactive
// go-echarts page with one scatter chart per grid point and variable, and
// optional static PNG scatter plots per grid point.
package render

import (
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/xphate/internal/grid"
	"github.com/banshee-data/xphate/internal/table"
)

// Meta describes the run a figure belongs to.
type Meta struct {
	// Title is usually the input table path.
	Title string
	Sweep grid.Sweep
}

// Subtitle lists the values of every swept axis. Fixed and unset axes are
// left out since they have nothing to compare.
func Subtitle(s grid.Sweep) string {
	var parts []string
	for _, a := range []struct {
		name string
		axis grid.Axis
	}{{"knn", s.Knn}, {"decay", s.Decay}, {"t", s.T}} {
		if !a.axis.Swept() {
			continue
		}
		vals := make([]string, 0, len(a.axis.Values))
		for _, v := range a.axis.Ints() {
			vals = append(vals, strconv.Itoa(v))
		}
		parts = append(parts, a.name+": "+strings.Join(vals, ", "))
	}
	return strings.Join(parts, "  ")
}

// chartKey identifies one chart.
type chartKey struct {
	point    grid.Point
	variable string
	k        int
}

func (c chartKey) title() string {
	s := c.point.String()
	if c.variable != "" {
		s += " | " + c.variable
	}
	if c.k > 0 {
		s += " k=" + strconv.Itoa(c.k)
	}
	return s
}

// groupRows splits rows into charts ordered by grid point, then variable in
// first-seen order, then cluster count.
func groupRows(l *table.Long) ([]chartKey, map[chartKey][]table.LongRow) {
	varOrder := map[string]int{}
	groups := map[chartKey][]table.LongRow{}
	var keys []chartKey
	for _, r := range l.Rows {
		if _, ok := varOrder[r.Variable]; !ok {
			varOrder[r.Variable] = len(varOrder)
		}
		k := chartKey{point: r.Point, variable: r.Variable, k: r.ClusterK}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], r)
	}
	slices.SortStableFunc(keys, func(a, b chartKey) int {
		switch {
		case a.point.Less(b.point):
			return -1
		case b.point.Less(a.point):
			return 1
		}
		if d := varOrder[a.variable] - varOrder[b.variable]; d != 0 {
			return d
		}
		return a.k - b.k
	})
	return keys, groups
}

// WriteHTML renders l as a single HTML page.
func WriteHTML(w io.Writer, l *table.Long, meta Meta) error {
	if l.Components < 2 {
		return fmt.Errorf("render: need at least 2 embedding components, have %d", l.Components)
	}
	page := components.NewPage()
	page.SetPageTitle("xphate: " + meta.Title)

	keys, groups := groupRows(l)
	subtitle := Subtitle(meta.Sweep)
	for i, key := range keys {
		title := opts.Title{Title: key.title()}
		if i == 0 {
			title.Subtitle = meta.Title
			if subtitle != "" {
				title.Subtitle += "\n" + subtitle
			}
		}
		page.AddCharts(scatterChart(title, groups[key]))
	}
	return page.Render(w)
}

func scatterChart(title opts.Title, rows []table.LongRow) *charts.Scatter {
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "720px", Height: "560px"}),
		charts.WithTitleOpts(title),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Type: "scroll", Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: table.CoordColumn(0), Scale: opts.Bool(true)}),
		charts.WithYAxisOpts(opts.YAxis{Name: table.CoordColumn(1), Scale: opts.Bool(true)}),
	)

	if len(rows) > 0 && rows[0].DType == table.Numerical {
		addNumericalSeries(scatter, rows)
		return scatter
	}
	series, names := seriesByFactor(rows)
	for _, name := range names {
		scatter.AddSeries(name, series[name], charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	}
	return scatter
}

func point(r table.LongRow, extra ...interface{}) opts.ScatterData {
	v := []interface{}{r.Coords[0], r.Coords[1]}
	return opts.ScatterData{Name: r.Sample, Value: append(v, extra...)}
}

func factorName(r table.LongRow) string {
	if r.Variable == "" {
		return "samples"
	}
	return r.Factor
}

// sortedFactors returns the keys of m sorted, NA last.
func sortedFactors[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		switch {
		case a == b:
			return 0
		case a == table.NA:
			return 1
		case b == table.NA:
			return -1
		}
		return strings.Compare(a, b)
	})
	return names
}

// seriesByFactor returns one series per factor level.
func seriesByFactor(rows []table.LongRow) (map[string][]opts.ScatterData, []string) {
	series := map[string][]opts.ScatterData{}
	for _, r := range rows {
		series[factorName(r)] = append(series[factorName(r)], point(r))
	}
	return series, sortedFactors(series)
}

// addNumericalSeries colours points by value through a continuous visual map.
func addNumericalSeries(scatter *charts.Scatter, rows []table.LongRow) {
	var values, missing []opts.ScatterData
	lo, hi := 0.0, 0.0
	for _, r := range rows {
		v, err := strconv.ParseFloat(r.Factor, 64)
		if err != nil || r.Factor == table.NA {
			missing = append(missing, point(r))
			continue
		}
		if len(values) == 0 || v < lo {
			lo = v
		}
		if len(values) == 0 || v > hi {
			hi = v
		}
		values = append(values, point(r, v))
	}
	scatter.SetGlobalOptions(charts.WithVisualMapOpts(opts.VisualMap{
		Calculable: opts.Bool(true),
		Min:        float32(lo),
		Max:        float32(hi),
		Dimension:  "2",
		InRange:    &opts.VisualMapInRange{Color: []string{"#440154", "#3e4989", "#26828e", "#35b779", "#fde725"}},
	}))
	scatter.AddSeries(rows[0].Variable, values, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 6}))
	if len(missing) > 0 {
		scatter.AddSeries(table.NA, missing, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 4}))
	}
}
