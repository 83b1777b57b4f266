// Package rag implements document ingestion and retrieval: splitting files
// into chunks, embedding them through a provider and searching the stored
// vectors.
package rag

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// DefaultOverlap is the number of tokens shared between consecutive chunks
// of the token splitter.
const DefaultOverlap = 16

// Splitter cuts a document into chunks bounded by the configured size.
type Splitter interface {
	Split(text string) []string
}

// Tokenizer abstracts the BPE encoding so tests can substitute a fake that
// needs no downloaded vocabulary.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenTokenizer returns the production tokenizer backed by the
// o200k_base encoding.
func NewTiktokenTokenizer() (Tokenizer, error) {
	enc, err := tiktoken.GetEncoding("o200k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}
	return &tiktokenTokenizer{enc: enc}, nil
}

func (t *tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t *tiktokenTokenizer) Decode(tokens []int) string {
	return t.enc.Decode(tokens)
}

// TokenSplitter produces chunks of at most chunkSize tokens, each sharing
// an overlap of tokens with its predecessor.
type TokenSplitter struct {
	tokenizer Tokenizer
	chunkSize int
	overlap   int
}

// NewTokenSplitter creates a splitter with the default overlap. Chunk sizes
// not exceeding the overlap are raised so the splitter always advances.
func NewTokenSplitter(tokenizer Tokenizer, chunkSize int) *TokenSplitter {
	overlap := DefaultOverlap
	if chunkSize <= overlap {
		overlap = chunkSize / 2
	}
	return &TokenSplitter{tokenizer: tokenizer, chunkSize: chunkSize, overlap: overlap}
}

func (s *TokenSplitter) Split(text string) []string {
	tokens := s.tokenizer.Encode(text)
	if len(tokens) == 0 {
		return nil
	}

	step := s.chunkSize - s.overlap
	if step < 1 {
		step = 1
	}

	var chunks []string
	for start := 0; start < len(tokens); start += step {
		end := start + s.chunkSize
		if end > len(tokens) {
			end = len(tokens)
		}
		chunks = append(chunks, s.tokenizer.Decode(tokens[start:end]))
		if end == len(tokens) {
			break
		}
	}
	return chunks
}

// MarkdownSplitter cuts markdown along its structure: headings and blank
// lines separate blocks, fenced code stays intact, and blocks are packed
// into chunks of at most chunkSize characters.
type MarkdownSplitter struct {
	chunkSize int
}

func NewMarkdownSplitter(chunkSize int) *MarkdownSplitter {
	return &MarkdownSplitter{chunkSize: chunkSize}
}

func (s *MarkdownSplitter) Split(text string) []string {
	blocks := markdownBlocks(text)

	var (
		chunks  []string
		current strings.Builder
	)
	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, block := range blocks {
		// A heading opens a fresh chunk so a section stays together.
		if strings.HasPrefix(block, "#") {
			flush()
		}

		if len(block) > s.chunkSize {
			flush()
			for len(block) > s.chunkSize {
				chunks = append(chunks, block[:s.chunkSize])
				block = block[s.chunkSize:]
			}
			if block != "" {
				current.WriteString(block)
			}
			continue
		}

		if current.Len() > 0 && current.Len()+len(block)+2 > s.chunkSize {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(block)
	}
	flush()
	return chunks
}

// markdownBlocks splits markdown into structural blocks: headings, fenced
// code and paragraphs separated by blank lines.
func markdownBlocks(text string) []string {
	var (
		blocks  []string
		current []string
		inFence bool
	)
	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, strings.Join(current, "\n"))
			current = nil
		}
	}

	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, "```") {
			if inFence {
				current = append(current, line)
				flush()
				inFence = false
			} else {
				flush()
				current = append(current, line)
				inFence = true
			}
			continue
		}
		if inFence {
			current = append(current, line)
			continue
		}

		if trimmed == "" {
			flush()
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			flush()
			blocks = append(blocks, trimmed)
			continue
		}
		current = append(current, line)
	}
	flush()
	return blocks
}

// SplitterFor picks the splitter for a file name: markdown files get the
// structure-aware splitter, everything else the token splitter.
func SplitterFor(filename string, tokenizer Tokenizer, chunkSize int) Splitter {
	if strings.ToLower(filepath.Ext(filename)) == ".md" {
		return NewMarkdownSplitter(chunkSize)
	}
	return NewTokenSplitter(tokenizer, chunkSize)
}
