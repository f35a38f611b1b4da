package hajutils

import (
	"encoding/json"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/olekukonko/tablewriter"
)

// CLI output: a table for humans, JSON when stdout is piped somewhere
type Output struct {
	sink     io.Writer
	humanish bool
}

func StdoutOutput() *Output {
	return NewOutput(os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
}

func NewOutput(sink io.Writer, humanish bool) *Output {
	return &Output{sink: sink, humanish: humanish}
}

// rows() is only called when rendering a table. asJSON is written as-is otherwise
func (o *Output) Render(asJSON any, header []string, rows func(appendRow func(...string))) error {
	if !o.humanish {
		encoder := json.NewEncoder(o.sink)
		encoder.SetIndent("", "  ")
		return encoder.Encode(asJSON)
	}

	table := tablewriter.NewWriter(o.sink)
	table.SetHeader(header)

	rows(func(columns ...string) {
		table.Append(columns)
	})

	table.Render()

	return nil
}
