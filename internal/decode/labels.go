package decode

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// AnyObject disables the single-class filter
const AnyObject = -1

// AnyObjectName is the configuration value selecting every class
const AnyObjectName = "all"

// Labels maps class ids to names
type Labels map[int]string

// Name returns the label for id, or the decimal id when unknown
func (l Labels) Name(id int) string {
	if name, ok := l[id]; ok {
		return name
	}
	return strconv.Itoa(id)
}

// ObjectID resolves a detection object name to its class id
func (l Labels) ObjectID(name string) (int, error) {
	if name == "" || name == AnyObjectName {
		return AnyObject, nil
	}
	for id, label := range l {
		if label == name {
			return id, nil
		}
	}
	return 0, fmt.Errorf("object %q not found in labels", name)
}

// ParseLabels reads "<id> <label>" lines
func ParseLabels(r io.Reader) (Labels, error) {
	labels := Labels{}
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		idText, label, _ := strings.Cut(text, " ")
		id, err := strconv.Atoi(idText)
		if err != nil {
			return nil, fmt.Errorf("line %d: invalid class id %q", line, idText)
		}
		labels[id] = strings.TrimSpace(label)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return labels, nil
}

// LoadLabels reads a label file from disk
func LoadLabels(path string) (Labels, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels: %w", err)
	}
	defer f.Close()

	labels, err := ParseLabels(f)
	if err != nil {
		return nil, fmt.Errorf("parse labels %s: %w", path, err)
	}
	return labels, nil
}
