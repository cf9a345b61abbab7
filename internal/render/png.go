package render

import (
	"fmt"
	"io"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/xphate/internal/fsutil"
	"github.com/banshee-data/xphate/internal/grid"
	"github.com/banshee-data/xphate/internal/table"
)

// PNGPath is the static figure path of one grid point.
func PNGPath(prefix string, p grid.Point) string {
	return fmt.Sprintf("%s_knn%d_decay%d_t%s.png", prefix, p.Knn, p.Decay, grid.FormatT(p.T))
}

// WritePNGs writes one scatter plot per grid point, coloured by the factors of
// variable (the first variable of l when empty). It returns the written paths.
func WritePNGs(fsys fsutil.FileSystem, prefix string, l *table.Long, variable string) ([]string, error) {
	if l.Components < 2 {
		return nil, fmt.Errorf("render: need at least 2 embedding components, have %d", l.Components)
	}
	if variable == "" {
		if vars := l.Variables(); len(vars) > 0 {
			variable = vars[0]
		}
	}
	keys, groups := groupRows(l)
	var paths []string
	for _, key := range keys {
		// One figure per point: the first chart of the chosen variable.
		if key.variable != variable || (len(paths) > 0 && PNGPath(prefix, key.point) == paths[len(paths)-1]) {
			continue
		}
		p, err := scatterPlot(key, groups[key])
		if err != nil {
			return paths, err
		}
		path := PNGPath(prefix, key.point)
		wt, err := p.WriterTo(6*vg.Inch, 6*vg.Inch, "png")
		if err != nil {
			return paths, fmt.Errorf("render %s: %w", path, err)
		}
		if err := fsutil.WriteAtomic(fsys, path, func(w io.Writer) error {
			_, err := wt.WriteTo(w)
			return err
		}); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func scatterPlot(key chartKey, rows []table.LongRow) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = key.title()
	p.X.Label.Text = table.CoordColumn(0)
	p.Y.Label.Text = table.CoordColumn(1)

	byFactor := map[string]plotter.XYs{}
	for _, r := range rows {
		byFactor[factorName(r)] = append(byFactor[factorName(r)], plotter.XY{X: r.Coords[0], Y: r.Coords[1]})
	}
	for i, name := range sortedFactors(byFactor) {
		sc, err := plotter.NewScatter(byFactor[name])
		if err != nil {
			return nil, err
		}
		sc.GlyphStyle.Color = plotutil.Color(i)
		sc.GlyphStyle.Shape = plotutil.Shape(i)
		sc.GlyphStyle.Radius = vg.Points(2.5)
		p.Add(sc)
		p.Legend.Add(name, sc)
	}
	return p, nil
}
