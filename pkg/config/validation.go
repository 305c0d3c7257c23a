package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance
var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate validates the configuration using struct tags plus custom rules
// that cannot be expressed in tags.
//
// Note: log level normalization happens in ApplyDefaults, not here;
// validation accepts both cases.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

// validateCustomRules performs custom validation beyond struct tags.
func validateCustomRules(cfg *Config) error {
	// A filesystem blob store must share a volume with the staging
	// directory for rename-based commits; an explicit path outside the
	// data dir is allowed but the default derives from it, so only the
	// explicit case can conflict. Nothing to check statically beyond the
	// presence of the data dir, which the tag validation covers.

	if cfg.Upload.RatePerSecond > 0 && cfg.Upload.Burst == 0 {
		return fmt.Errorf("upload: burst must be positive when rate_per_second is set")
	}

	if cfg.Index.Type == "badger" {
		// db_path may be omitted (the factory derives it from the data
		// dir), but if present it must be a string.
		if p, ok := cfg.Index.Badger["db_path"]; ok {
			if _, ok := p.(string); !ok {
				return fmt.Errorf("index.badger.db_path must be a string")
			}
		}
	}

	return nil
}

// formatValidationError converts validator errors into user-friendly
// messages.
func formatValidationError(err error) error {
	if validationErrs, ok := err.(validator.ValidationErrors); ok {
		if len(validationErrs) > 0 {
			e := validationErrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
				e.Namespace(), e.Tag(), e.Value())
		}
	}
	return err
}
