package registry

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "MCR-Agent/internal/errors"
)

// Catalog 对应操作目录文件 configs/tools.yaml 的结构。
type Catalog struct {
	Operations []Operation `yaml:"operations"`
}

// LoadCatalog 解析 YAML 操作目录文件。路径为空时返回空目录。
func LoadCatalog(path string) (Catalog, error) {
	if strings.TrimSpace(path) == "" {
		return Catalog{}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取操作目录失败")
	}

	var catalog Catalog
	if err := yaml.Unmarshal(content, &catalog); err != nil {
		return Catalog{}, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析操作目录失败")
	}
	return catalog, nil
}

// Load 返回内置操作与目录文件合并后的 Registry。
// 目录文件中的同名条目覆盖内置定义。
func Load(path string) (*Registry, error) {
	catalog, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}

	merged := builtinOperations()
	index := make(map[string]int, len(merged))
	for i, op := range merged {
		index[op.Name] = i
	}
	for _, op := range catalog.Operations {
		if i, ok := index[op.Name]; ok {
			merged[i] = op
			continue
		}
		index[op.Name] = len(merged)
		merged = append(merged, op)
	}
	return New(merged...)
}
