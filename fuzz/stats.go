package fuzz

import (
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/zkfuzz/beak/corpus"
)

// Stats are the run summary counts. Executions may exceed Iterations when a
// step evaluates more than one candidate.
type Stats struct {
	Iterations           int `json:"iterations"`
	Executions           int `json:"executions"`
	InitialExecutions    int `json:"initialExecutions"`
	MutationalExecutions int `json:"mutationalExecutions"`
	Candidates           int `json:"candidates"`
	Synthesized          int `json:"synthesized"`

	NovelSignatures int `json:"novelSignatures"`
	CorpusSize      int `json:"corpusSize"`

	Matches      int `json:"matches"`
	Mismatches   int `json:"mismatches"`
	Undetermined int `json:"undetermined"`
	SoftTimeouts int `json:"softTimeouts"`
	HardTimeouts int `json:"hardTimeouts"`

	BackendErrors int `json:"backendErrors"`
	OracleErrors  int `json:"oracleErrors"`
	DecodeErrors  int `json:"decodeErrors"`
	Skipped       int `json:"skipped"`

	Bugs             int `json:"bugs"`
	Underconstrained int `json:"underconstrained"`

	Seeds corpus.LoadStats `json:"seeds"`
}

func (s *Stats) Rows() [][]string {
	rows := []struct {
		name string
		v    int
	}{
		{"iterations", s.Iterations},
		{"executions", s.Executions},
		{"  initial", s.InitialExecutions},
		{"  mutational", s.MutationalExecutions},
		{"candidates", s.Candidates},
		{"synthesized seeds", s.Synthesized},
		{"novel signatures", s.NovelSignatures},
		{"corpus size", s.CorpusSize},
		{"match", s.Matches},
		{"mismatch", s.Mismatches},
		{"undetermined", s.Undetermined},
		{"soft timeouts", s.SoftTimeouts},
		{"hard timeouts", s.HardTimeouts},
		{"backend errors", s.BackendErrors},
		{"oracle errors", s.OracleErrors},
		{"oracle decode errors", s.DecodeErrors},
		{"skipped", s.Skipped},
		{"bug records", s.Bugs},
		{"underconstrained candidates", s.Underconstrained},
		{"seeds loaded", s.Seeds.Loaded},
		{"seeds malformed", s.Seeds.Malformed},
		{"seeds filtered", s.Seeds.Filtered},
		{"seeds truncated", s.Seeds.Truncated},
	}
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = []string{r.name, strconv.Itoa(r.v)}
	}
	return out
}

// WriteTable renders the summary as a text table.
func (s *Stats) WriteTable(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Counter", "Value"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.AppendBulk(s.Rows())
	table.Render()
}
