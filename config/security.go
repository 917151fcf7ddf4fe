package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/c360/tsstream/errors"
)

// Input limits for configuration sources.
const (
	maxConfigSize = 1 << 20
	maxJSONDepth  = 32
	maxEnvVarLen  = 4096
	maxPathLen    = 4096
)

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errors.ErrInvalidConfig, fmt.Sprintf(format, args...))
}

// checkConfigPath rejects relative paths that leave the working directory and
// files whose extension names no supported format.
func checkConfigPath(path string) error {
	switch {
	case path == "":
		return invalidInput("empty config path")
	case len(path) > maxPathLen:
		return invalidInput("config path longer than %d bytes", maxPathLen)
	case formatOf(path) == "":
		return invalidInput("unsupported config file extension %q (want .json, .yaml or .yml)", filepath.Ext(path))
	}

	if filepath.IsAbs(path) {
		return nil
	}
	rel := filepath.Clean(path)
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return invalidInput("config path %s resolves outside the working directory", path)
	}
	return nil
}

// readConfigFile reads at most maxConfigSize bytes from a regular file.
func readConfigFile(path string) ([]byte, error) {
	if err := checkConfigPath(path); err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat config file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, invalidInput("%s is not a regular file", path)
	}

	data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > maxConfigSize {
		return nil, invalidInput("config file larger than %d bytes", maxConfigSize)
	}
	return data, nil
}

func checkEnvValue(key, value string) error {
	if len(value) > maxEnvVarLen {
		return invalidInput("%s longer than %d bytes", key, maxEnvVarLen)
	}
	if strings.ContainsRune(value, 0) {
		return invalidInput("%s contains a NUL byte", key)
	}
	return nil
}

// checkJSONDepth walks the token stream and fails on malformed documents or
// nesting deeper than maxJSONDepth.
func checkJSONDepth(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	depth := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return invalidInput("malformed JSON: %v", err)
		}
		delim, ok := tok.(json.Delim)
		if !ok {
			continue
		}
		switch delim {
		case '{', '[':
			depth++
			if depth > maxJSONDepth {
				return invalidInput("JSON nested deeper than %d levels", maxJSONDepth)
			}
		case '}', ']':
			depth--
		}
	}
	if depth != 0 {
		return invalidInput("malformed JSON: unexpected end of input")
	}
	return nil
}
