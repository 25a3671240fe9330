package signal

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// alertSchema accepts numbers either bare or as numeric strings, since chart
// alert templates often quote substituted placeholders.
const alertSchema = `{
  "type": "object",
  "required": ["ticker", "action", "price", "qty", "comment", "time"],
  "properties": {
    "ticker":  {"type": "string", "minLength": 1},
    "action":  {"type": "string", "enum": ["buy", "sell", "long", "short", "BUY", "SELL", "LONG", "SHORT", "Buy", "Sell", "Long", "Short"]},
    "price":   {"anyOf": [
      {"type": "number", "exclusiveMinimum": 0},
      {"type": "string", "pattern": "^\\s*[0-9]+(\\.[0-9]+)?\\s*$"}
    ]},
    "qty":     {"anyOf": [
      {"type": "integer", "minimum": 1},
      {"type": "string", "pattern": "^\\s*[1-9][0-9]*\\s*$"}
    ]},
    "comment": {"type": "string", "minLength": 1},
    "time":    {"anyOf": [
      {"type": "integer", "minimum": 0},
      {"type": "string", "pattern": "^[0-9]{10}([0-9]{3})?$"},
      {"type": "string", "format": "date-time"}
    ]}
  }
}`

var (
	schemaOnce     sync.Once
	schemaCompiled *jsonschema.Schema
	schemaErr      error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		compiler.AssertFormat = true
		if err := compiler.AddResource("alert.json", strings.NewReader(alertSchema)); err != nil {
			schemaErr = err
			return
		}
		schemaCompiled, schemaErr = compiler.Compile("alert.json")
	})
	return schemaCompiled, schemaErr
}

func validateSchema(raw []byte) error {
	schema, err := compiledSchema()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
