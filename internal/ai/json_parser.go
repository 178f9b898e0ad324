package ai

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Pre-compiled regular expressions. Compiling on every parse is much slower.
var (
	// Matches ```json\n{...}\n```, ```{...}```, ``` json{...}```, etc.
	codeFenceStartRegex = regexp.MustCompile(`(?s)^` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}\s*$`)
	codeFenceAnyRegex   = regexp.MustCompile(`(?s)` + "`" + `{3}(?:json|javascript|js)?\s*\n?([\s\S]*?)\n?` + "`" + `{3}`)

	trailingCommaRegex     = regexp.MustCompile(`,(\s*[}\]])`)
	unquotedKeyRegex       = regexp.MustCompile(`([{,]\s*)([a-zA-Z_$][a-zA-Z0-9_$]*)\s*:`)
	singleLineCommentRegex = regexp.MustCompile(`(?m)^\s*//.*$`)
	multiLineCommentRegex  = regexp.MustCompile(`(?s)/\*.*?\*/`)

	// Greedy so nested structures are captured whole
	objectRegex = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
)

// maxParseInput bounds the response size we are willing to parse
const maxParseInput = 1 << 20

// ParseResult represents the result of a JSON parse operation
type ParseResult[T any] struct {
	Success      bool
	Data         T
	Error        string
	OriginalText string
}

// Parse attempts to decode a model response into T with fallbacks for the
// usual LLM formatting quirks.
//
// Strategy sequence:
//  1. Direct JSON parse
//  2. Remove code fences and retry
//  3. Fix trailing commas, unquoted keys and comments, then retry
//  4. Extract the outermost object from mixed prose and retry
func Parse[T any](text, context string) ParseResult[T] {
	if len(text) > maxParseInput {
		return parseError[T](fmt.Sprintf("input exceeds size limit (%d > %d bytes)", len(text), maxParseInput), truncate(text, 1000), context)
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return parseError[T]("empty input", text, context)
	}

	if result, err := tryDirectParse[T](trimmed); err == nil {
		return ParseResult[T]{Success: true, Data: result, OriginalText: text}
	}

	withoutFences := removeCodeFences(trimmed)
	if withoutFences != trimmed {
		if result, err := tryDirectParse[T](withoutFences); err == nil {
			return ParseResult[T]{Success: true, Data: result, OriginalText: text}
		}
	}

	cleaned := cleanupJSON(withoutFences)
	if result, err := tryDirectParse[T](cleaned); err == nil {
		return ParseResult[T]{Success: true, Data: result, OriginalText: text}
	}

	if extracted := objectRegex.FindString(cleaned); extracted != "" {
		if result, err := tryDirectParse[T](extracted); err == nil {
			return ParseResult[T]{Success: true, Data: result, OriginalText: text}
		}
	}

	return parseError[T]("all JSON parsing strategies failed", text, context)
}

func tryDirectParse[T any](text string) (T, error) {
	var result T
	err := json.Unmarshal([]byte(text), &result)
	return result, err
}

// removeCodeFences strips markdown code fences and wrapping backticks
func removeCodeFences(text string) string {
	cleaned := codeFenceStartRegex.ReplaceAllString(text, "$1")
	if cleaned == text {
		cleaned = codeFenceAnyRegex.ReplaceAllString(text, "$1")
	}
	if strings.HasPrefix(cleaned, "`") && strings.HasSuffix(cleaned, "`") {
		cleaned = strings.TrimPrefix(cleaned, "`")
		cleaned = strings.TrimSuffix(cleaned, "`")
	}
	return strings.TrimSpace(cleaned)
}

// cleanupJSON fixes common formatting issues.
// Single quotes are left alone: converting them breaks apostrophes in valid strings.
func cleanupJSON(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = singleLineCommentRegex.ReplaceAllString(cleaned, "")
	cleaned = multiLineCommentRegex.ReplaceAllString(cleaned, "")
	cleaned = trailingCommaRegex.ReplaceAllString(cleaned, "$1")
	cleaned = unquotedKeyRegex.ReplaceAllString(cleaned, `$1"$2":`)
	return strings.TrimSpace(cleaned)
}

func parseError[T any](message, text, context string) ParseResult[T] {
	if context != "" {
		message = context + ": " + message
	}
	return ParseResult[T]{Error: message, OriginalText: text}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
