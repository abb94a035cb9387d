package template

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/viper"

	"github.com/kbukum/minutes/errors"
)

// Extensions accepted by LoadDir.
var Extensions = []string{".yaml", ".yml", ".json"}

// IsTemplateFile reports whether path has a template file extension.
func IsTemplateFile(path string) bool {
	return slices.Contains(Extensions, strings.ToLower(filepath.Ext(path)))
}

// LoadFile reads the templates in one file. A file holds either a single
// template at the top level or a list under the "templates" key.
func LoadFile(path string) ([]Template, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, errors.InputError("template_file", fmt.Sprintf("read %s: %v", path, err)).WithCause(err)
	}

	if v.IsSet("templates") {
		var list []Template
		if err := v.UnmarshalKey("templates", &list); err != nil {
			return nil, errors.InputError("template_file", fmt.Sprintf("decode %s: %v", path, err)).WithCause(err)
		}
		return list, nil
	}

	var t Template
	if err := v.Unmarshal(&t); err != nil {
		return nil, errors.InputError("template_file", fmt.Sprintf("decode %s: %v", path, err)).WithCause(err)
	}
	return []Template{t}, nil
}

// LoadDir reads every template file directly under dir, in name order.
// Templates are not validated here; NewRegistry and Replace do that.
func LoadDir(dir string) ([]Template, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.InputError("template_dir", err.Error()).WithCause(err)
	}

	var out []Template
	for _, e := range entries {
		if e.IsDir() || !IsTemplateFile(e.Name()) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ts, err := LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, ts...)
	}
	return out, nil
}

// LoadRegistry builds a registry from the templates in dir.
func LoadRegistry(dir string) (*Registry, error) {
	ts, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	return NewRegistry(ts...)
}
