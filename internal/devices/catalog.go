package devices

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// VendorIndex is the index.yaml at the root of a vendor directory.
type VendorIndex struct {
	Vendor      string                `yaml:"vendor" json:"vendor"`
	Description string                `yaml:"description" json:"description"`
	Website     string                `yaml:"website" json:"website"`
	Models      map[string][]ModelRef `yaml:"models" json:"models"`

	dir string
}

type ModelRef struct {
	ID          string `yaml:"id" json:"id"`
	File        string `yaml:"file" json:"file"`
	Name        string `yaml:"name" json:"name"`
	ModelNumber uint16 `yaml:"model_number" json:"model_number"`
	Protocol    string `yaml:"protocol" json:"protocol"`
	Description string `yaml:"description" json:"description,omitempty"`
	Tested      bool   `yaml:"tested" json:"tested"`
	Datasheet   string `yaml:"datasheet" json:"datasheet,omitempty"`
}

// Catalog maps model numbers reported by PING to control table profiles.
type Catalog struct {
	vendors []VendorIndex
	logger  *zap.Logger
}

// LoadCatalog reads every <search path>/<vendor>/index.yaml. Unreadable
// vendors are logged and skipped.
func LoadCatalog(searchPaths []string, logger *zap.Logger) *Catalog {
	c := &Catalog{logger: logger}

	for _, searchPath := range searchPaths {
		entries, err := os.ReadDir(searchPath)
		if err != nil {
			logger.Warn("Profile directory not readable",
				zap.String("path", searchPath),
				zap.Error(err))
			continue
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			indexPath := filepath.Join(searchPath, entry.Name(), "index.yaml")
			index, err := readVendorIndex(indexPath)
			if err != nil {
				logger.Warn("Skipping vendor",
					zap.String("vendor", entry.Name()),
					zap.String("path", indexPath),
					zap.Error(err))
				continue
			}
			index.dir = entry.Name()
			c.vendors = append(c.vendors, index)
		}
	}

	sort.Slice(c.vendors, func(i, j int) bool { return c.vendors[i].Vendor < c.vendors[j].Vendor })
	logger.Info("Model catalog loaded", zap.Int("vendors", len(c.vendors)))
	return c
}

func readVendorIndex(path string) (VendorIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return VendorIndex{}, err
	}
	var index VendorIndex
	if err := yaml.Unmarshal(data, &index); err != nil {
		return VendorIndex{}, fmt.Errorf("failed to parse vendor index: %w", err)
	}
	return index, nil
}

func (c *Catalog) Vendors() []VendorIndex {
	return c.vendors
}

// Lookup returns the loader path ("<vendor dir>/<file without .json>") of the
// profile for a model number under the given protocol version string.
func (c *Catalog) Lookup(modelNumber uint16, protocol string) (string, ModelRef, bool) {
	for _, v := range c.vendors {
		for _, refs := range v.Models {
			for _, ref := range refs {
				if ref.ModelNumber != modelNumber {
					continue
				}
				if protocol != "" && ref.Protocol != "" && ref.Protocol != protocol {
					continue
				}
				return profilePath(v.dir, ref), ref, true
			}
		}
	}
	return "", ModelRef{}, false
}

// Find resolves a vendor and a model ID, name or file name to a loader path.
func (c *Catalog) Find(vendor, model string) (string, bool) {
	for _, v := range c.vendors {
		if !strings.EqualFold(v.dir, vendor) && !strings.EqualFold(v.Vendor, vendor) {
			continue
		}
		for _, refs := range v.Models {
			for _, ref := range refs {
				file := strings.TrimSuffix(ref.File, ".json")
				if strings.EqualFold(ref.ID, model) || strings.EqualFold(ref.Name, model) || strings.EqualFold(file, model) {
					return profilePath(v.dir, ref), true
				}
			}
		}
	}
	return "", false
}

func profilePath(dir string, ref ModelRef) string {
	return filepath.ToSlash(filepath.Join(dir, strings.TrimSuffix(ref.File, ".json")))
}
