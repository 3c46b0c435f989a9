package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/torosent/sseswarm/internal/metrics"
)

// WriteSummaryFile saves stats to path, as YAML for .yaml/.yml and JSON otherwise.
func WriteSummaryFile(path string, stats metrics.Stats) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(stats)
	default:
		data, err = json.MarshalIndent(stats, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}
