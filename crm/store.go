package crm

import (
	"encoding/csv"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"leadpilot/utils"
)

// Row is one CRM record, column name to cell value.
type Row map[string]string

// Store is the lead row store boundary. Merge writes update only the named
// fields and preserve every other column the row carries.
type Store interface {
	All() ([]Row, error)
	Get(email string) (Row, bool, error)
	Merge(email string, fields map[string]string) error
}

// FileStore keeps leads in a flat CSV rewritten wholesale on every merge,
// matching how the CRM export is maintained. Safe for concurrent callers
// within one process.
type FileStore struct {
	path   string
	fields *FieldsMap
	mu     sync.Mutex
}

func NewFileStore(path string, fields *FieldsMap) *FileStore {
	if fields == nil {
		fields = DefaultFieldsMap()
	}
	return &FileStore{path: path, fields: fields}
}

func (s *FileStore) All() ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, rows, err := s.read()
	return rows, err
}

func (s *FileStore) Get(email string) (Row, bool, error) {
	rows, err := s.All()
	if err != nil {
		return nil, false, err
	}
	key := utils.NormalizeEmail(email)
	for _, row := range rows {
		if utils.NormalizeEmail(row[s.fields.Email]) == key {
			return row, true, nil
		}
	}
	return nil, false, nil
}

// Merge applies the field updates to every row matching the email key and
// rewrites the file. New columns are appended to the header in sorted order
// so repeated runs produce a stable layout.
func (s *FileStore) Merge(email string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	header, rows, err := s.read()
	if err != nil {
		return err
	}

	known := make(map[string]bool, len(header))
	for _, col := range header {
		known[col] = true
	}
	var added []string
	for col := range fields {
		if !known[col] {
			added = append(added, col)
			known[col] = true
		}
	}
	sort.Strings(added)
	header = append(header, added...)

	key := utils.NormalizeEmail(email)
	matched := false
	for _, row := range rows {
		if utils.NormalizeEmail(row[s.fields.Email]) != key {
			continue
		}
		matched = true
		for col, val := range fields {
			row[col] = val
		}
	}
	if !matched {
		return fmt.Errorf("lead %q not found in %s", email, s.path)
	}

	return s.write(header, rows)
}

func (s *FileStore) read() ([]string, []Row, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, nil, fmt.Errorf("open crm file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read crm file: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, nil
	}

	header := records[0]
	rows := make([]Row, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}

// write rewrites the whole file through a temp file and rename so a crash
// mid-write never leaves a truncated CRM.
func (s *FileStore) write(header []string, rows []Row) error {
	tmp := s.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp crm file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		f.Close()
		return fmt.Errorf("write crm header: %w", err)
	}
	rec := make([]string, len(header))
	for _, row := range rows {
		for i, col := range header {
			rec[i] = row[col]
		}
		if err := w.Write(rec); err != nil {
			f.Close()
			return fmt.Errorf("write crm row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flush crm file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close crm file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace crm file: %w", err)
	}
	return nil
}

// IndexByEmail builds a lookup from normalized address to row, used by the
// reply watcher to resolve inbound senders.
func IndexByEmail(rows []Row, fields *FieldsMap) map[string]Row {
	idx := make(map[string]Row, len(rows))
	for _, row := range rows {
		key := utils.NormalizeEmail(row[fields.Email])
		if key == "" {
			continue
		}
		idx[key] = row
	}
	return idx
}

func normFlag(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "yes", "y", "true", "1":
		return true
	}
	return false
}
