package rag

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"lmclient/internal/events"
	"lmclient/internal/llm"
	"lmclient/internal/store"
)

const (
	// embedBatchSize caps how many chunks go into one embeddings request.
	embedBatchSize = 1000

	// distanceThreshold rejects matches too far from the query. Cosine
	// distance ranges over [0, 2]; anything at or past this value carries
	// no usable signal.
	distanceThreshold = 1.05
)

// Engine ties the splitters, the embedding client and the vector store
// together.
type Engine struct {
	store     *store.Store
	client    *llm.Client
	bus       *events.Bus
	tokenizer Tokenizer
	log       *logrus.Entry
}

// NewEngine creates an Engine.
func NewEngine(st *store.Store, client *llm.Client, bus *events.Bus, tokenizer Tokenizer, log *logrus.Entry) *Engine {
	return &Engine{
		store:     st,
		client:    client,
		bus:       bus,
		tokenizer: tokenizer,
		log:       log,
	}
}

// embeddingModel resolves the embedding provider and model configured on a
// conversation.
func (e *Engine) embeddingModel(ctx context.Context, node *store.ConversationNode) (llm.Model, error) {
	if node.EmbeddingProvider == 0 {
		return llm.Model{}, fmt.Errorf("conversation %d has no embedding provider", node.ID)
	}
	provider, err := e.store.GetProvider(ctx, node.EmbeddingProvider)
	if err != nil {
		return llm.Model{}, fmt.Errorf("failed to resolve embedding provider: %w", err)
	}
	return llm.Model{Name: node.EmbeddingModel, Provider: provider}, nil
}

// IngestFiles reads, splits and embeds the given files into the
// conversation's vector tables. The returned channel reports progress and
// always ends with a Finished update, cancellation included.
func (e *Engine) IngestFiles(ctx context.Context, conversationID int64, paths []string) (<-chan events.Progress, error) {
	node, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	model, err := e.embeddingModel(ctx, node)
	if err != nil {
		return nil, err
	}

	progress := make(chan events.Progress, 16)

	go func() {
		defer close(progress)

		send := func(p events.Progress) {
			e.bus.Dispatch(events.ProgressUpdated(p))
			select {
			case progress <- p:
			case <-ctx.Done():
			}
		}
		defer func() {
			p := events.Progress{State: events.ProgressFinished}
			e.bus.Dispatch(events.ProgressUpdated(p))
			select {
			case progress <- p:
			default:
			}
		}()

		for _, path := range paths {
			if ctx.Err() != nil {
				return
			}
			name := filepath.Base(path)
			if err := e.ingestFile(ctx, node, model, path, send); err != nil {
				e.log.WithFields(logrus.Fields{
					"conversation": conversationID,
					"file":         name,
				}).Errorf("ingestion failed: %v", err)
				continue
			}
			e.bus.Dispatch(events.RagFilesUpdated(conversationID))
		}
	}()

	return progress, nil
}

// ingestFile runs the chunker and the embedder concurrently: the chunker
// streams batches into a bounded channel while the embedder turns each
// batch into vector rows.
func (e *Engine) ingestFile(ctx context.Context, node *store.ConversationNode, model llm.Model, path string, send func(events.Progress)) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	name := filepath.Base(path)
	hash := fmt.Sprintf("%x", xxhash.Sum64(content))
	chunks := SplitterFor(name, e.tokenizer, node.RagChunkSize).Split(string(content))
	if len(chunks) == 0 {
		return nil
	}

	send(events.Progress{State: events.ProgressStarted, Name: name, Total: len(chunks)})

	batches := make(chan []string, 1)
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(batches)
		for start := 0; start < len(chunks); start += embedBatchSize {
			end := start + embedBatchSize
			if end > len(chunks) {
				end = len(chunks)
			}
			select {
			case batches <- chunks[start:end]:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	g.Go(func() error {
		var (
			file      *store.RagFile
			processed int
		)
		for batch := range batches {
			vectors, err := e.client.Embeddings(ctx, model, batch)
			if err != nil {
				return fmt.Errorf("failed to embed chunks: %w", err)
			}

			if file == nil {
				// Dimensions are known only after the first embedding, so
				// the duplicate check happens here.
				dims := len(vectors[0])
				existing, err := e.store.GetRagFile(ctx, node.ID, hash, dims, model.ResolvedName())
				if err == nil {
					existing.FileName = name
					if _, err := e.store.UpsertRagFile(ctx, existing); err != nil {
						return err
					}
					// The chunker keeps sending; drain it so it can exit.
					for range batches {
					}
					return nil
				}
				if !errors.Is(err, store.ErrNotFound) {
					return err
				}
				file, err = e.store.UpsertRagFile(ctx, &store.RagFile{
					ConversationID: node.ID,
					FileName:       name,
					FileHash:       hash,
					Dimensions:     dims,
					EmbeddingModel: model.ResolvedName(),
				})
				if err != nil {
					return err
				}
			}

			records := make([]store.VectorRecord, len(batch))
			for i, chunk := range batch {
				records[i] = store.VectorRecord{Chunk: chunk, Embedding: vectors[i]}
			}
			if err := e.store.InsertVectors(ctx, node.ID, file, records); err != nil {
				return err
			}

			processed += len(batch)
			send(events.Progress{
				State:   events.ProgressRunning,
				Name:    name,
				Total:   len(chunks),
				Current: processed,
			})
		}
		return nil
	})

	return g.Wait()
}

// Search embeds the query and returns references to the nearest stored
// chunks, closest first. Matches at or beyond the distance threshold are
// dropped.
func (e *Engine) Search(ctx context.Context, model llm.Model, query string, conversationID int64) ([]store.ChunkRef, error) {
	node, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	embeddings, err := e.client.Embeddings(ctx, model, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var matches []store.ChunkMatch
	for _, embedding := range embeddings {
		found, err := e.store.SearchVectors(ctx, conversationID, model.ResolvedName(), embedding, node.RagChunksCount)
		if err != nil {
			return nil, err
		}
		matches = append(matches, found...)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Distance < matches[j].Distance
	})

	var refs []store.ChunkRef
	for _, m := range matches {
		if m.Distance >= distanceThreshold {
			break
		}
		refs = append(refs, store.ChunkRef{
			ChunkID:        m.ChunkID,
			Dimension:      m.Dimension,
			EmbeddingModel: m.EmbeddingModel,
		})
	}

	e.log.WithFields(logrus.Fields{
		"conversation": conversationID,
		"matches":      len(refs),
	}).Debug("vector search finished")
	return refs, nil
}

// Chunk resolves the text behind a chunk reference.
func (e *Engine) Chunk(ctx context.Context, conversationID int64, ref store.ChunkRef) (string, error) {
	chunk, err := e.store.GetChunk(ctx, conversationID, ref.EmbeddingModel, ref.Dimension, ref.ChunkID)
	if err != nil {
		return "", err
	}
	return chunk.Chunk, nil
}

// Files lists the ingested files of a conversation.
func (e *Engine) Files(ctx context.Context, conversationID int64) ([]*store.RagFile, error) {
	return e.store.GetRagFiles(ctx, conversationID)
}

// DeleteFile removes one ingested file and its vectors.
func (e *Engine) DeleteFile(ctx context.Context, conversationID, fileID int64) error {
	if err := e.store.DeleteRagFile(ctx, fileID); err != nil {
		return err
	}
	e.bus.Dispatch(events.RagFilesUpdated(conversationID))
	return nil
}

// DeleteAllFiles removes every ingested file of a conversation.
func (e *Engine) DeleteAllFiles(ctx context.Context, conversationID int64) error {
	if err := e.store.DeleteConversationVectors(ctx, conversationID); err != nil {
		return err
	}
	e.bus.Dispatch(events.RagFilesUpdated(conversationID))
	return nil
}
