package session

// types.go — LSP shapes the session reads and writes: positions, ranges,
// diagnostics, symbols, and locations.

import "encoding/json"

type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// Location is a range inside a document.
type Location struct {
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

// Diagnostic is an LSP diagnostic.
type Diagnostic struct {
	Range    Range           `json:"range"`
	Severity int             `json:"severity,omitempty"`
	Code     json.RawMessage `json:"code,omitempty"` // number or string
	Source   string          `json:"source,omitempty"`
	Message  string          `json:"message"`
}

// Symbol is a document symbol. Servers answer documentSymbol either with a
// hierarchy of DocumentSymbol or a flat list of SymbolInformation; both are
// normalized into this type. Container is only set for the flat form.
type Symbol struct {
	Name      string
	Detail    string
	Kind      int
	Range     Range
	Container string
	Children  []Symbol
}

type documentSymbol struct {
	Name     string           `json:"name"`
	Detail   string           `json:"detail"`
	Kind     int              `json:"kind"`
	Range    Range            `json:"range"`
	Children []documentSymbol `json:"children"`
}

type symbolInformation struct {
	Name          string   `json:"name"`
	Kind          int      `json:"kind"`
	Location      Location `json:"location"`
	ContainerName string   `json:"containerName"`
}

func (d documentSymbol) symbol() Symbol {
	s := Symbol{Name: d.Name, Detail: d.Detail, Kind: d.Kind, Range: d.Range}
	for _, c := range d.Children {
		s.Children = append(s.Children, c.symbol())
	}
	return s
}

// Severity values of Diagnostic.
const (
	SeverityError       = 1
	SeverityWarning     = 2
	SeverityInformation = 3
	SeverityHint        = 4
)
