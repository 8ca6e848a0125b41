package services

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// defaultChunkSize is the approximate chunk length in bytes the parser packs
// paragraphs into.
const defaultChunkSize = 1200

// FileParser extracts text chunks from files on local disk. Paragraphs are packed into
// chunks of roughly chunkSize bytes; a single oversized paragraph becomes its own
// chunk rather than being split mid-sentence.
type FileParser struct {
	chunkSize int
}

// NewFileParser creates a parser with the given target chunk size. A non-positive size
// falls back to the default.
func NewFileParser(chunkSize int) FileParser {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	return FileParser{chunkSize: chunkSize}
}

// Parse reads the file at storagePath and returns its text chunks.
func (p FileParser) Parse(ctx context.Context, storagePath string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(storagePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	text := strings.ReplaceAll(string(raw), "\r\n", "\n")
	var chunks []string
	var sb strings.Builder
	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		if sb.Len() > 0 && sb.Len()+len(paragraph) > p.chunkSize {
			chunks = append(chunks, sb.String())
			sb.Reset()
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(paragraph)
	}
	if sb.Len() > 0 {
		chunks = append(chunks, sb.String())
	}
	return chunks, nil
}
