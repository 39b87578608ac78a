// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package flows

import (
	"fmt"
	"strings"
	"sync"

	"github.com/xuri/excelize/v2"
)

// ProcedureRecord is one row of the procedure table: get_procedure's
// answer and the splitter's department/topic classification key.
type ProcedureRecord struct {
	ID         string `json:"id"`
	Department string `json:"department"`
	Topic      string `json:"topic"`
	Text       string `json:"text"`
}

// ProcedureTable is an in-memory index of ProcedureRecords, keyed by
// ID, loaded once at startup from a spreadsheet.
type ProcedureTable struct {
	mu      sync.RWMutex
	records map[string]ProcedureRecord
}

// NewProcedureTable returns an empty table, useful for tests that add
// records directly.
func NewProcedureTable() *ProcedureTable {
	return &ProcedureTable{records: make(map[string]ProcedureRecord)}
}

// Put adds or replaces a record.
func (t *ProcedureTable) Put(r ProcedureRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[r.ID] = r
}

// Get looks up a record by id.
func (t *ProcedureTable) Get(id string) (ProcedureRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	return r, ok
}

// All returns every record, unordered.
func (t *ProcedureTable) All() []ProcedureRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ProcedureRecord, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, r)
	}
	return out
}

// LoadProcedureTableXLSX reads a procedure table from the first sheet
// of an .xlsx file: one header row, then columns id, department,
// topic, text (case-insensitive header names, any column order).
func LoadProcedureTableXLSX(path string) (*ProcedureTable, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("flows: open procedure table %s: %w", path, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("flows: procedure table %s has no sheets", path)
	}

	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, fmt.Errorf("flows: read procedure table %s: %w", path, err)
	}
	if len(rows) == 0 {
		return NewProcedureTable(), nil
	}

	col := make(map[string]int)
	for i, header := range rows[0] {
		col[strings.ToLower(strings.TrimSpace(header))] = i
	}

	cell := func(row []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	table := NewProcedureTable()
	for _, row := range rows[1:] {
		id := cell(row, "id")
		if id == "" {
			continue
		}
		table.Put(ProcedureRecord{
			ID:         id,
			Department: cell(row, "department"),
			Topic:      cell(row, "topic"),
			Text:       cell(row, "text"),
		})
	}
	return table, nil
}

// RegelgevingTable is a deterministic topic -> regulation-text lookup.
// Unlike the procedure table, this content doesn't change between
// deployments often enough to warrant a spreadsheet source.
type RegelgevingTable map[string]string

// DefaultRegelgevingTable seeds the lookup with the small fixed set of
// topics the report flow's analyst is expected to cite.
func DefaultRegelgevingTable() RegelgevingTable {
	return RegelgevingTable{
		"privacy":        "AVG art. 5: persoonsgegevens worden verwerkt op basis van een grondslag, doelbinding en dataminimalisatie.",
		"arbeidsrecht":   "Arbeidstijdenwet: een werknemer bouwt per gewerkt jaar minimaal 4x de wekelijkse arbeidsduur aan vakantie-uren op.",
		"aanbesteding":   "Aanbestedingswet 2012: opdrachten boven de Europese drempelwaarde moeten openbaar worden aanbesteed.",
		"gegevensbeheer": "Archiefwet: overheidsdocumenten worden bewaard conform de vastgestelde selectielijst en bewaartermijn.",
	}
}
