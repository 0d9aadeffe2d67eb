package memory

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"sudooom.im.realtime/internal/backend"
)

// seedFile 种子文件格式
//
//	documents:
//	  users/alice:
//	    displayName: Alice
//	    email: alice@example.com
type seedFile struct {
	Documents map[string]map[string]any `yaml:"documents"`
}

// LoadSeed 从 YAML 读取初始文档，返回写入的文档数
func (s *Store) LoadSeed(ctx context.Context, r io.Reader) (int, error) {
	var seed seedFile
	if err := yaml.NewDecoder(r).Decode(&seed); err != nil {
		if err == io.EOF {
			return 0, nil
		}
		return 0, fmt.Errorf("decode seed: %w", err)
	}

	paths := make([]string, 0, len(seed.Documents))
	for path := range seed.Documents {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := s.Write(ctx, path, backend.Fields(seed.Documents[path]), backend.WriteOptions{}); err != nil {
			return 0, fmt.Errorf("seed %s: %w", path, err)
		}
	}

	s.logger.Info("Memory store seeded", "documents", len(paths))
	return len(paths), nil
}

// LoadSeedFile 从文件读取初始文档
func (s *Store) LoadSeedFile(ctx context.Context, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open seed: %w", err)
	}
	defer f.Close()
	return s.LoadSeed(ctx, f)
}
