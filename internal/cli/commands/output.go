package commands

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Output formats accepted by --output
const (
	OutputJSON = "json"
	OutputYAML = "yaml"
)

// ValidateOutput rejects unknown --output values
func ValidateOutput(format string) error {
	switch format {
	case OutputJSON, OutputYAML:
		return nil
	default:
		return fmt.Errorf("unsupported output format %q (want %s or %s)", format, OutputJSON, OutputYAML)
	}
}

// render writes v in the selected format. YAML goes through the JSON form
// first so field names match the API.
func (o *Options) render(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if o.Output != OutputYAML {
		_, err = fmt.Fprintln(o.Out, string(data))
		return err
	}

	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	enc := yaml.NewEncoder(o.Out)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return enc.Close()
}
