package sagas

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// frontmatter is the YAML block every record/draft markdown file carries at
// its top. status is the legally-authoritative lifecycle field (spec.md §9's
// Open Question resolution: this, not a separate transient workflow field,
// is the record's durable status — saga.Instance.Status lives only in the
// State Store).
type frontmatter struct {
	ID     string   `yaml:"id"`
	Type   string   `yaml:"type"`
	Title  string   `yaml:"title"`
	Status string   `yaml:"status"`
	Tags   []string `yaml:"tags,omitempty"`
}

const frontmatterDelim = "---\n"

// renderMarkdown combines fm and body into the on-disk file format: a YAML
// frontmatter block delimited by "---" lines, followed by the markdown body.
func renderMarkdown(fm frontmatter, body string) ([]byte, error) {
	yamlBytes, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("marshal frontmatter: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString(frontmatterDelim)
	buf.Write(yamlBytes)
	buf.WriteString(frontmatterDelim)
	buf.WriteString(body)
	return buf.Bytes(), nil
}

// parseMarkdown splits content into its frontmatter and body. Content
// without a leading "---" delimiter is treated as a frontmatter-less file
// (an empty frontmatter, the whole content as body), so callers reading
// legacy or hand-edited files don't hard-fail.
func parseMarkdown(content []byte) (frontmatter, string, error) {
	s := string(content)
	if !strings.HasPrefix(s, frontmatterDelim) {
		return frontmatter{}, s, nil
	}

	rest := s[len(frontmatterDelim):]
	end := strings.Index(rest, frontmatterDelim)
	if end < 0 {
		return frontmatter{}, "", fmt.Errorf("frontmatter: missing closing delimiter")
	}

	var fm frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return frontmatter{}, "", fmt.Errorf("unmarshal frontmatter: %w", err)
	}
	body := rest[end+len(frontmatterDelim):]
	return fm, body, nil
}
