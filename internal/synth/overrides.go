package synth

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Overrides is an operator-supplied document of per-language base-image
// overrides layered on top of the synthesizer's built-in defaults, loaded
// from the YAML file named by ORC_RECIPE_OVERRIDES_PATH, mirroring the teacher's own
// workline.yml load-and-validate shape.
type Overrides struct {
	BaseImages map[string]string `yaml:"base_images"`
}

// LoadOverrides reads and validates an overrides document from path.
func LoadOverrides(path string) (*Overrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read recipe overrides %s: %w", path, err)
	}
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse recipe overrides %s: %w", path, err)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &o, nil
}

// Validate rejects empty keys/values; an override with no image would silently
// fall through to the synthesizer's default and should instead be caught early.
func (o *Overrides) Validate() error {
	for language, image := range o.BaseImages {
		if language == "" {
			return fmt.Errorf("recipe overrides: empty language key")
		}
		if image == "" {
			return fmt.Errorf("recipe overrides: empty base image for language %q", language)
		}
	}
	return nil
}

// BaseImageFor returns the operator override for language, if one was configured.
func (o *Overrides) BaseImageFor(language string) (string, bool) {
	if o == nil || o.BaseImages == nil {
		return "", false
	}
	image, ok := o.BaseImages[language]
	return image, ok
}
