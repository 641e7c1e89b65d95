// Package haconfig reads Home Assistant configuration files
// (automations.yaml, configuration.yaml, ...) so questions about how the
// home is set up can be answered from the files themselves.
//
// Reads are confined to one directory with [os.Root]. Names that climb
// out of it, hidden files and secrets.yaml are refused before any I/O.
package haconfig

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/nugget/hearth/internal/lexicon"
)

// DefaultMaxBytes caps how much of one file reaches the prompt.
const DefaultMaxBytes = 15000

// MaxFiles caps how many files one utterance attaches.
const MaxFiles = 3

var (
	// ErrOutsideConfig is returned for names that leave the directory.
	ErrOutsideConfig = errors.New("path is outside the configuration directory")
	// ErrDenied is returned for files that are never shown to the model.
	ErrDenied = errors.New("file may not be read")
)

// denied are base names that hold credentials.
var denied = map[string]bool{
	"secrets.yaml": true,
}

// mentionRe finds file names written out in an utterance.
var mentionRe = regexp.MustCompile(`[\p{L}\p{N}_./\\-]*\.ya?ml\b`)

// Reader reads files below one configuration directory.
type Reader struct {
	dir      string
	rules    []lexicon.ConfigFileRule
	maxBytes int
	logger   *slog.Logger
}

// New creates a reader for dir. rules select files by keyword; a nil
// lexicon uses [lexicon.Default]. maxBytes <= 0 means [DefaultMaxBytes].
func New(dir string, lex *lexicon.Lexicon, maxBytes int, logger *slog.Logger) *Reader {
	if lex == nil {
		lex = lexicon.Default()
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{dir: dir, rules: lex.ConfigFiles, maxBytes: maxBytes, logger: logger}
}

// CheckName reports whether name may be read at all.
func CheckName(name string) error {
	if name == "" || filepath.IsAbs(name) || strings.HasPrefix(name, `\`) {
		return ErrOutsideConfig
	}
	slashed := filepath.ToSlash(strings.ReplaceAll(name, `\`, "/"))
	for _, part := range strings.Split(slashed, "/") {
		if part == ".." {
			return ErrOutsideConfig
		}
		if strings.HasPrefix(part, ".") && part != "." {
			return ErrDenied
		}
	}
	if !filepath.IsLocal(name) {
		return ErrOutsideConfig
	}
	if denied[strings.ToLower(filepath.Base(slashed))] {
		return ErrDenied
	}
	return nil
}

// Read returns up to maxBytes of name. truncated is set when the file
// was longer.
func (r *Reader) Read(name string) (content string, truncated bool, err error) {
	if err := CheckName(name); err != nil {
		return "", false, err
	}

	root, err := os.OpenRoot(r.dir)
	if err != nil {
		return "", false, fmt.Errorf("open config directory: %w", err)
	}
	defer root.Close()

	f, err := root.Open(name)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	buf := make([]byte, r.maxBytes+1)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", false, err
	}
	buf = buf[:n]
	if n > r.maxBytes {
		buf = buf[:r.maxBytes]
		// Do not split a rune.
		for len(buf) > 0 && !utf8.Valid(buf) {
			buf = buf[:len(buf)-1]
		}
		truncated = true
	}
	return string(buf), truncated, nil
}

// Select returns the files an utterance asks about: names written out
// ("automations.yaml") first, then keyword rules, without duplicates
// and at most [MaxFiles].
func (r *Reader) Select(utterance string) []string {
	var files []string
	add := func(name string) {
		if len(files) >= MaxFiles {
			return
		}
		for _, f := range files {
			if f == name {
				return
			}
		}
		files = append(files, name)
	}

	for _, m := range mentionRe.FindAllString(utterance, -1) {
		add(m)
	}
	text := lexicon.Normalize(utterance)
	for _, rule := range r.rules {
		if lexicon.ContainsAny(text, rule.Keywords) {
			add(rule.File)
		}
	}
	return files
}

// Section renders the selected files for the prompt. It returns "" when
// the utterance selects no file.
func (r *Reader) Section(utterance string) (text string, files []string) {
	files = r.Select(utterance)
	if len(files) == 0 {
		return "", nil
	}

	var b strings.Builder
	for i, name := range files {
		if i > 0 {
			b.WriteString("\n\n")
		}
		content, truncated, err := r.Read(name)
		if err != nil {
			r.logger.Warn("config file not read", "file", name, "error", err)
			fmt.Fprintf(&b, "--- %s: not read (%s) ---", name, reason(err))
			continue
		}
		r.logger.Debug("config file attached", "file", name, "bytes", len(content), "truncated", truncated)
		fmt.Fprintf(&b, "--- %s ---\n%s", name, strings.TrimRight(content, "\n"))
		if truncated {
			fmt.Fprintf(&b, "\n… (truncated at %d bytes)", r.maxBytes)
		}
		fmt.Fprintf(&b, "\n--- end of %s ---", name)
	}
	return b.String(), files
}

// reason turns a read error into text safe to show the model.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrOutsideConfig), errors.Is(err, ErrDenied):
		return err.Error()
	case errors.Is(err, os.ErrNotExist):
		return "file does not exist"
	default:
		return "read error"
	}
}
