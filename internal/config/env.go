package config

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// LoadEnvFile loads KEY=VALUE pairs into the process environment. Variables that are
// already set are left alone. A missing file is only an error when required is set.
func LoadEnvFile(path string, required bool) (bool, error) {
	if path == "" {
		return false, nil
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !required {
			return false, nil
		}
		return false, errors.Wrapf(err, "env file %s", path)
	}
	if err := godotenv.Load(path); err != nil {
		return false, errors.Wrapf(err, "load env file %s", path)
	}
	return true, nil
}
