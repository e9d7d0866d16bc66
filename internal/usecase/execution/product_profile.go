package execution

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

const defaultResultFile = "result.json"

// ProductConfig describes how one scanner product is launched. Products are
// external processes; scanhub only knows their program, arguments and where
// they leave their result.
type ProductConfig struct {
	Program        string   `toml:"program"`
	Args           []string `toml:"args"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	ResultFile     string   `toml:"result_file"`
}

type ProductProfile struct {
	Version  int                      `toml:"version"`
	Products map[string]ProductConfig `toml:"products"`
}

func LoadProductProfile(path string) (ProductProfile, error) {
	resolved := strings.TrimSpace(path)
	if resolved == "" {
		return ProductProfile{}, errors.New("products file is required")
	}

	raw, err := os.ReadFile(resolved)
	if err != nil {
		return ProductProfile{}, err
	}

	var profile ProductProfile
	if err := toml.Unmarshal(raw, &profile); err != nil {
		return ProductProfile{}, err
	}
	if err := validateProductProfile(profile); err != nil {
		return ProductProfile{}, err
	}
	return profile, nil
}

func validateProductProfile(profile ProductProfile) error {
	if len(profile.Products) == 0 {
		return errors.New("products file defines no products")
	}
	for id, product := range profile.Products {
		if strings.TrimSpace(product.Program) == "" {
			return fmt.Errorf("product %s has no program", id)
		}
	}
	return nil
}

// ResolveProduct returns the launch configuration for a product id with
// defaults applied.
func (p ProductProfile) ResolveProduct(productID string, defaultTimeout time.Duration) (ProductConfig, error) {
	product, ok := p.Products[productID]
	if !ok {
		return ProductConfig{}, fmt.Errorf("product %s is not configured", productID)
	}
	if product.TimeoutSeconds <= 0 {
		product.TimeoutSeconds = int(defaultTimeout / time.Second)
	}
	if strings.TrimSpace(product.ResultFile) == "" {
		product.ResultFile = defaultResultFile
	}
	return product, nil
}
