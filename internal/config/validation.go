package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// Validate checks the struct tags and the rules that span several fields.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	if _, _, err := ParseBucket(cfg.Bucket); err != nil {
		return err
	}

	if _, err := ParseMountOptions(cfg.Mount.Options, cfg.Mount.Sloppy); err != nil {
		return err
	}

	seen := make(map[string]bool, len(cfg.Credentials.Sources))
	for _, s := range cfg.Credentials.Sources {
		if seen[s] {
			return fmt.Errorf("credentials.sources: %q listed twice", s)
		}
		seen[s] = true
	}

	switch cfg.Journal.Type {
	case "badger":
		if path, _ := cfg.Journal.Badger["path"].(string); path == "" {
			return fmt.Errorf("journal.badger.path is required for the badger journal")
		}
	case "postgres":
		if dsn, _ := cfg.Journal.Postgres["dsn"].(string); dsn == "" {
			return fmt.Errorf("journal.postgres.dsn is required for the postgres journal")
		}
	case "mongodb":
		if uri, _ := cfg.Journal.MongoDB["uri"].(string); uri == "" {
			return fmt.Errorf("journal.mongodb.uri is required for the mongodb journal")
		}
	}

	return nil
}

func formatValidationError(err error) error {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}

	msgs := make([]string, 0, len(validationErrors))
	for _, e := range validationErrors {
		msgs = append(msgs, fmt.Sprintf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
