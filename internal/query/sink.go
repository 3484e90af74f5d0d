package query

import (
	"github.com/probing-io/probing/internal/proto"
)

// Collector is a Sink that accumulates the full result in memory.
type Collector struct {
	ResultSchema proto.Schema
	Pages        []*proto.Page
}

// Schema implements Sink.
func (c *Collector) Schema(s proto.Schema) error {
	c.ResultSchema = s
	return nil
}

// Page implements Sink.
func (c *Collector) Page(p *proto.Page) error {
	c.Pages = append(c.Pages, p)
	return nil
}

// Rows returns the total row count across pages.
func (c *Collector) Rows() int {
	n := 0
	for _, p := range c.Pages {
		n += p.Rows()
	}
	return n
}

// Row returns row i as tagged values, crossing page boundaries.
func (c *Collector) Row(i int) []proto.Value {
	for _, p := range c.Pages {
		if i < p.Rows() {
			row := make([]proto.Value, len(p.Columns))
			for col, column := range p.Columns {
				row[col] = column.Value(i)
			}
			return row
		}
		i -= p.Rows()
	}
	return nil
}
