package bridge

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/ehrlich-b/opencode-router/internal/adapter"
	"github.com/ehrlich-b/opencode-router/internal/scope"
)

const filePrefix = "FILE:"

// relay delivers an agent reply in order. FILE:<path> lines become file
// uploads when the adapter supports them; everything else is chunked text.
func (b *Bridge) relay(ctx context.Context, a adapter.Adapter, peerID, dir, reply string) error {
	fs, canSend := a.(adapter.FileSender)
	size := b.config().ChunkSize
	var text []string

	flush := func() error {
		body := strings.TrimSpace(strings.Join(text, "\n"))
		text = text[:0]
		if body == "" {
			return nil
		}
		for _, chunk := range chunkText(body, size) {
			if err := a.SendText(ctx, peerID, chunk); err != nil {
				return fmt.Errorf("send text: %w", err)
			}
		}
		return nil
	}

	for _, line := range strings.Split(reply, "\n") {
		trimmed := strings.TrimSpace(line)
		if !canSend || !strings.HasPrefix(trimmed, filePrefix) {
			text = append(text, line)
			continue
		}
		path, err := resolveFile(dir, strings.TrimSpace(strings.TrimPrefix(trimmed, filePrefix)))
		if err != nil {
			text = append(text, fmt.Sprintf("(could not attach file: %v)", err))
			continue
		}
		if err := flush(); err != nil {
			return err
		}
		if err := fs.SendFile(ctx, peerID, path, ""); err != nil {
			b.log.Warn("send file", "path", path, "err", err)
			text = append(text, fmt.Sprintf("(could not attach %s: %v)", path, err))
		}
	}
	return flush()
}

// resolveFile scopes a FILE: path to the run directory and checks that it
// names a regular file.
func resolveFile(dir, path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	resolved, err := scope.Resolve(dir, path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("%s not found", path)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%s is not a file", path)
	}
	return resolved, nil
}

// chunkText splits text into pieces of at most size bytes, preferring line
// breaks, then spaces, and never splitting a UTF-8 sequence.
func chunkText(text string, size int) []string {
	if size <= 0 {
		size = 3500
	}
	var out []string
	for len(text) > size {
		cut := strings.LastIndex(text[:size], "\n")
		if cut < size/2 {
			if sp := strings.LastIndex(text[:size], " "); sp >= size/2 {
				cut = sp
			} else {
				cut = size
				for cut > 0 && !utf8.RuneStart(text[cut]) {
					cut--
				}
			}
		}
		if cut <= 0 {
			cut = size
		}
		chunk := strings.TrimRight(text[:cut], " \n")
		if chunk != "" {
			out = append(out, chunk)
		}
		text = strings.TrimLeft(text[cut:], " \n")
	}
	if strings.TrimSpace(text) != "" {
		out = append(out, text)
	}
	return out
}
