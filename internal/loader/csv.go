package loader

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// CSV renders each record as "header: value" pairs, one record per line,
// so a single structured chunk stays readable without its header row.
type CSV struct{}

// Load parses data as CSV with a header row.
func (CSV) Load(_ context.Context, _ string, data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(data, utf8BOM)))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read csv header: %w", err)
	}
	var b strings.Builder
	for {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read csv record: %w", err)
		}
		fields := make([]string, 0, len(record))
		for i, value := range record {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			name := fmt.Sprintf("column %d", i+1)
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				name = strings.TrimSpace(header[i])
			}
			fields = append(fields, name+": "+value)
		}
		if len(fields) == 0 {
			continue
		}
		b.WriteString(strings.Join(fields, " | "))
		b.WriteByte('\n')
	}
	return b.String(), nil
}
