// Package query executes KQL queries against a Kusto-compatible telemetry
// backend, consulting the result cache and classifying failures.
package query

// Column describes one column of a query result.
type Column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Summary carries coarse result statistics.
type Summary struct {
	RowCount   int   `json:"rowCount"`
	Truncated  bool  `json:"truncated"`
	DurationMS int64 `json:"durationMs"`
}

// Result is the normalized shape of a backend response.
type Result struct {
	Columns []Column `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Summary Summary  `json:"summary"`
	Cached  bool     `json:"cached"`
}

// backendResponse is the wire shape of the Application Insights query API:
// a list of tables, the first of which holds the primary result.
type backendResponse struct {
	Tables []backendTable `json:"tables"`
}

type backendTable struct {
	Name    string          `json:"name"`
	Columns []backendColumn `json:"columns"`
	Rows    [][]any         `json:"rows"`
}

type backendColumn struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// primaryResultTable is the table name Kusto assigns to the query's own
// output, as opposed to diagnostics tables.
const primaryResultTable = "PrimaryResult"

// normalize flattens a backend response into a Result, preferring the
// primary result table and falling back to the first table.
func normalize(resp *backendResponse) *Result {
	result := &Result{Columns: []Column{}, Rows: [][]any{}}
	if len(resp.Tables) == 0 {
		return result
	}

	table := resp.Tables[0]
	for _, candidate := range resp.Tables {
		if candidate.Name == primaryResultTable {
			table = candidate
			break
		}
	}

	for _, col := range table.Columns {
		result.Columns = append(result.Columns, Column{Name: col.Name, Type: col.Type})
	}
	result.Rows = table.Rows
	if result.Rows == nil {
		result.Rows = [][]any{}
	}
	result.Summary.RowCount = len(result.Rows)
	return result
}
