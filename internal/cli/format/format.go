// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package format renders agent results for the terminal.
package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/charmbracelet/glamour"
)

const (
	maxJSONSize     = 10 * 1024 * 1024 // 10MB
	maxMarkdownSize = 5 * 1024 * 1024  // 5MB
)

// ansiEscapeRegex matches ANSI escape sequences.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// sanitizeANSI strips escape sequences from text supplied by a remote agent
// so it cannot drive the terminal.
func sanitizeANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

func enforceSize(content string, format string, maxSize int) error {
	if len(content) > maxSize {
		return fmt.Errorf("output size (%d bytes) exceeds maximum for %s format (%d bytes)", len(content), format, maxSize)
	}
	return nil
}

// FormatMarkdown renders markdown with ANSI styling if stdout is a TTY.
// Falls back to the sanitized text if glamour fails.
func FormatMarkdown(content string, isTTY bool) (string, error) {
	if err := enforceSize(content, "markdown", maxMarkdownSize); err != nil {
		return "", err
	}
	content = sanitizeANSI(content)
	if !isTTY {
		return content, nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return content, nil
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return content, nil
	}
	return rendered, nil
}

// FormatJSON pretty-prints JSON with 2-space indentation, highlighting it
// when stdout is a TTY.
func FormatJSON(content []byte, isTTY bool) (string, error) {
	if err := enforceSize(string(content), "json", maxJSONSize); err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, content, "", "  "); err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	formatted := sanitizeANSI(buf.String())
	if !isTTY {
		return formatted, nil
	}

	var highlighted bytes.Buffer
	if err := quick.Highlight(&highlighted, formatted, "json", "terminal256", "monokai"); err != nil {
		return formatted, nil
	}
	return highlighted.String(), nil
}

// FormatValue renders an arbitrary decoded value, such as a jq result.
// Strings print bare; everything else prints as JSON.
func FormatValue(v any, isTTY bool) (string, error) {
	if s, ok := v.(string); ok {
		return sanitizeANSI(s), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode value: %w", err)
	}
	return FormatJSON(data, isTTY)
}

// contentBlock is one entry of a tools/call result's content array.
type contentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	MIMEType string          `json:"mimeType,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

type toolResult struct {
	Content []contentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// FormatResult renders a raw result payload. Tool results carrying a
// content array print their text blocks as markdown and other blocks as a
// one-line summary. Any other payload prints as JSON.
//
// The second return value reports whether the agent flagged the result as
// an error.
func FormatResult(raw json.RawMessage, isTTY bool) (string, bool, error) {
	var res toolResult
	if err := json.Unmarshal(raw, &res); err != nil || res.Content == nil {
		out, ferr := FormatJSON(raw, isTTY)
		return out, false, ferr
	}

	var parts []string
	for _, block := range res.Content {
		switch block.Type {
		case "text":
			out, err := FormatMarkdown(block.Text, isTTY)
			if err != nil {
				return "", res.IsError, err
			}
			parts = append(parts, strings.TrimRight(out, "\n"))
		case "resource":
			out, err := FormatJSON(block.Resource, isTTY)
			if err != nil {
				return "", res.IsError, err
			}
			parts = append(parts, out)
		default:
			desc := "[" + block.Type
			if block.MIMEType != "" {
				desc += " " + block.MIMEType
			}
			parts = append(parts, desc+"]")
		}
	}
	return strings.Join(parts, "\n\n"), res.IsError, nil
}
