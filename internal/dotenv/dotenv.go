// Package dotenv loads KEY=VALUE pairs from .env files into the process
// environment so local runs of the CLIs pick up API keys without exporting
// them by hand.
package dotenv

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Load reads ".env" from the current directory. A missing file is not an
// error.
func Load() error {
	return LoadFile(".env")
}

// LoadFile loads pairs from a dotenv-style file into the environment.
// Variables already present in the environment win over file values.
func LoadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open env file %q: %w", path, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, val, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return fmt.Errorf("set env %q from %q: %w", key, path, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan env file %q: %w", path, err)
	}
	return nil
}

// parseLine splits one dotenv line into a key/value pair. Blank lines,
// comments, and lines without a key report ok=false.
func parseLine(raw string) (key, val string, ok bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")

	idx := strings.Index(line, "=")
	if idx <= 0 {
		return "", "", false
	}

	key = strings.TrimSpace(line[:idx])
	if key == "" {
		return "", "", false
	}

	val = strings.TrimSpace(line[idx+1:])
	val = unquote(val)
	return key, val, true
}

func unquote(val string) string {
	if len(val) < 2 {
		return val
	}
	if (val[0] == '"' && val[len(val)-1] == '"') ||
		(val[0] == '\'' && val[len(val)-1] == '\'') {
		return val[1 : len(val)-1]
	}
	return val
}
