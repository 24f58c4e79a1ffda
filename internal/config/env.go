package config

import (
	"os"

	"github.com/joho/godotenv"
)

// LoadEnv reads a .env file into the process environment without replacing
// variables that are already set. A missing file is not an error.
func LoadEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}
