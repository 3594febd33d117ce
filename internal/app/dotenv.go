package app

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// loadDotenv exports the assignments in path. Variables that are already
// set to a non-empty value keep it.
func loadDotenv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	vars, err := parseDotenv(f)
	if err != nil {
		return err
	}
	for _, kv := range vars {
		if cur, ok := os.LookupEnv(kv[0]); ok && cur != "" {
			continue
		}
		if err := os.Setenv(kv[0], kv[1]); err != nil {
			return fmt.Errorf(".env %s: %w", kv[0], err)
		}
	}
	return nil
}

// parseDotenv returns key/value pairs in file order.
func parseDotenv(r io.Reader) ([][2]string, error) {
	var out [][2]string
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf(".env line %d: missing '='", lineNo)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf(".env line %d: empty key", lineNo)
		}
		val = strings.TrimSpace(val)
		if len(val) >= 2 {
			switch {
			case val[0] == '"' && val[len(val)-1] == '"':
				u, err := strconv.Unquote(val)
				if err != nil {
					return nil, fmt.Errorf(".env line %d: %w", lineNo, err)
				}
				val = u
			case val[0] == '\'' && val[len(val)-1] == '\'':
				val = val[1 : len(val)-1]
			}
		}
		out = append(out, [2]string{key, val})
	}
	return out, sc.Err()
}
