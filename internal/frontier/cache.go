package frontier

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/plusfeed/harvester/internal/pipeline"
)

// Snapshot format: one "url|sku|lastmod" line per product, in discovery
// order. Line order is what makes cached limit/skip windows deterministic.

func readCache(path string) ([]pipeline.WorkItem, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open frontier cache: %w", err)
	}
	defer file.Close()

	var items []pipeline.WorkItem
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 3)
		item := pipeline.WorkItem{URL: parts[0]}
		if len(parts) > 1 && parts[1] != "" {
			item.SKU = parts[1]
		} else {
			item.SKU = ExtractSKU(item.URL)
		}
		if len(parts) > 2 {
			item.LastMod = parts[2]
		}
		if item.SKU == "" {
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read frontier cache: %w", err)
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("frontier cache %s is empty", path)
	}
	return items, nil
}

func writeCache(path string, items []pipeline.WorkItem) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}
	var sb strings.Builder
	for _, item := range items {
		sb.WriteString(item.URL)
		sb.WriteByte('|')
		sb.WriteString(item.SKU)
		sb.WriteByte('|')
		sb.WriteString(item.LastMod)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o600); err != nil {
		return fmt.Errorf("write frontier cache: %w", err)
	}
	return nil
}
