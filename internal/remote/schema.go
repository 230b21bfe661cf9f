package remote

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

var (
	schemaOnce sync.Once
	schemaErr  error
	schemas    map[string]*jsonschema.Schema
)

const (
	schemaStrategy = "strategy.json"
	schemaBacktest = "backtest.json"
)

func loadSchemas() (map[string]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiled := make(map[string]*jsonschema.Schema, 2)
		compiler := jsonschema.NewCompiler()
		for _, name := range []string{schemaStrategy, schemaBacktest} {
			raw, err := schemaFS.ReadFile("schemas/" + name)
			if err != nil {
				schemaErr = fmt.Errorf("read schema %s failed: %w", name, err)
				return
			}
			if err := compiler.AddResource(name, bytes.NewReader(raw)); err != nil {
				schemaErr = fmt.Errorf("add schema %s failed: %w", name, err)
				return
			}
		}
		for _, name := range []string{schemaStrategy, schemaBacktest} {
			s, err := compiler.Compile(name)
			if err != nil {
				schemaErr = fmt.Errorf("compile schema %s failed: %w", name, err)
				return
			}
			compiled[name] = s
		}
		schemas = compiled
	})
	return schemas, schemaErr
}

// numericColumns may arrive as strings when the data store serializes
// numeric columns losslessly.
var numericColumns = map[string]bool{
	"initial_capital": true,
	"final_capital":   true,
	"total_return":    true,
	"max_drawdown":    true,
	"win_rate":        true,
	"total_trades":    true,
}

// decodeRow validates one row against the named schema and decodes it into out.
func decodeRow(op, schemaName string, raw []byte, out any) error {
	compiled, err := loadSchemas()
	if err != nil {
		return validationf(op, "%v", err)
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return validationf(op, "row is not a JSON object")
	}
	sanitizeRow(row)
	if err := compiled[schemaName].Validate(row); err != nil {
		return &Error{Kind: KindValidationFailure, Op: op, Message: "unexpected row shape", Err: err}
	}
	normalized, err := json.Marshal(row)
	if err != nil {
		return validationf(op, "re-encoding row failed: %v", err)
	}
	if err := json.Unmarshal(normalized, out); err != nil {
		return validationf(op, "decoding row failed: %v", err)
	}
	return nil
}

func sanitizeRow(row map[string]any) {
	for key, val := range row {
		s, ok := val.(string)
		if !ok {
			continue
		}
		if numericColumns[key] {
			if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				row[key] = f
			}
			continue
		}
		if key == "created_at" {
			if t, ok := parseStoreTime(s); ok {
				row[key] = t.Format(time.RFC3339Nano)
			}
		}
	}
}

var storeTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
}

func parseStoreTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range storeTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
