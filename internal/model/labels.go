package model

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Labels maps a class index to its name. It is immutable once loaded and
// safe for concurrent readers.
type Labels struct {
	names []string
}

// NewLabels builds a mapping from names ordered by class index. Repeated
// names get the index appended so every class has a distinct label.
func NewLabels(names []string) (*Labels, error) {
	if len(names) == 0 {
		return nil, errors.New("label mapping is empty")
	}
	seen := make(map[string]bool, len(names))
	out := make([]string, len(names))
	for i, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, errors.Errorf("label %d is empty", i)
		}
		if seen[n] {
			n = fmt.Sprintf("%s (%d)", n, i)
		}
		seen[n] = true
		out[i] = n
	}
	return &Labels{names: out}, nil
}

// LoadLabels reads a label file. JSON files hold an object keyed by the
// stringified class index ({"0": "tench", ...}); .txt files hold one label
// per line.
func LoadLabels(path string) (*Labels, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &InitializationError{Resource: "labels", Err: errors.Wrap(err, "read label file")}
	}

	var names []string
	if strings.EqualFold(filepath.Ext(path), ".txt") {
		names, err = parseTextLabels(data)
	} else {
		names, err = parseJSONLabels(data)
	}
	if err != nil {
		return nil, &InitializationError{Resource: "labels", Err: errors.Wrapf(err, "parse %s", path)}
	}

	labels, err := NewLabels(names)
	if err != nil {
		return nil, &InitializationError{Resource: "labels", Err: err}
	}
	return labels, nil
}

func parseJSONLabels(data []byte) ([]string, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode label JSON")
	}
	names := make([]string, len(raw))
	for k, v := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil {
			return nil, errors.Errorf("label key %q is not an integer", k)
		}
		if idx < 0 || idx >= len(raw) {
			return nil, errors.Errorf("label keys must be 0..%d, got %d", len(raw)-1, idx)
		}
		names[idx] = v
	}
	return names, nil
}

func parseTextLabels(data []byte) ([]string, error) {
	var names []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		names = append(names, line)
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan label file")
	}
	return names, nil
}

// Len returns the number of classes.
func (l *Labels) Len() int {
	return len(l.names)
}

// Name returns the label for a class index.
func (l *Labels) Name(idx int) (string, error) {
	if idx < 0 || idx >= len(l.names) {
		return "", &UnknownLabelError{Index: idx, Size: len(l.names)}
	}
	return l.names[idx], nil
}
