package web

import (
	"github.com/paulmach/orb"
	"math"
	"sort"
)

const DefaultCellSize = 1.0

type CellIndex [2]int

func cellIndexOf(p orb.Point, cellSize float64) CellIndex {
	return CellIndex{int(math.Floor(p.X() / cellSize)), int(math.Floor(p.Y() / cellSize))}
}

func (c CellIndex) X() int { return c[0] }

func (c CellIndex) Y() int { return c[1] }

// CellExtent is the inclusive range of cells from the lower left to the upper right cell.
type CellExtent [2]CellIndex

func cellExtentOf(bound orb.Bound, cellSize float64) CellExtent {
	return CellExtent{cellIndexOf(bound.Min, cellSize), cellIndexOf(bound.Max, cellSize)}
}

func (c CellExtent) LowerLeftCell() CellIndex { return c[0] }

func (c CellExtent) UpperRightCell() CellIndex { return c[1] }

func (c CellExtent) Contains(cell CellIndex) bool {
	return cell.X() >= c.LowerLeftCell().X() && cell.Y() >= c.LowerLeftCell().Y() &&
		cell.X() <= c.UpperRightCell().X() && cell.Y() <= c.UpperRightCell().Y()
}

// CellCount returns the number of cells of the extent. Counts beyond math.MaxInt32 are returned as math.MaxInt.
func (c CellExtent) CellCount() int {
	width := float64(c.UpperRightCell().X()-c.LowerLeftCell().X()) + 1
	height := float64(c.UpperRightCell().Y()-c.LowerLeftCell().Y()) + 1
	count := width * height
	if count > math.MaxInt32 {
		return math.MaxInt
	}
	return int(count)
}

func (c CellExtent) GetCellIndices() []CellIndex {
	var indices []CellIndex
	for x := c.LowerLeftCell().X(); x <= c.UpperRightCell().X(); x++ {
		for y := c.LowerLeftCell().Y(); y <= c.UpperRightCell().Y(); y++ {
			indices = append(indices, CellIndex{x, y})
		}
	}
	return indices
}

// gridIndex maps each cell to the positions of the features whose bounds touch it. A feature can be in many cells.
type gridIndex struct {
	cellSize float64
	cells    map[CellIndex][]int
}

func newGridIndex(bounds []*orb.Bound, cellSize float64) *gridIndex {
	g := &gridIndex{
		cellSize: cellSize,
		cells:    map[CellIndex][]int{},
	}
	for i, bound := range bounds {
		if bound == nil {
			continue
		}
		for _, cell := range cellExtentOf(*bound, cellSize).GetCellIndices() {
			g.cells[cell] = append(g.cells[cell], i)
		}
	}
	return g
}

// candidates returns the sorted positions of all features that might intersect the bound. Callers still have to check
// the actual bounds.
func (g *gridIndex) candidates(bound orb.Bound) []int {
	extent := cellExtentOf(bound, g.cellSize)
	positions := map[int]bool{}

	// Huge query extents are cheaper to check against the occupied cells than cell by cell.
	if extent.CellCount() > len(g.cells) {
		for cell, cellPositions := range g.cells {
			if extent.Contains(cell) {
				for _, position := range cellPositions {
					positions[position] = true
				}
			}
		}
	} else {
		for _, cell := range extent.GetCellIndices() {
			for _, position := range g.cells[cell] {
				positions[position] = true
			}
		}
	}

	result := make([]int, 0, len(positions))
	for position := range positions {
		result = append(result, position)
	}
	sort.Ints(result)
	return result
}
