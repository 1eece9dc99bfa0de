// Package ingest reads an upload stream once, hashing it as a whole and cutting it into
// fixed-size chunks with their own checksums.
package ingest

import (
	"bytes"
	"context"
	"io"

	log "github.com/sirupsen/logrus"

	"github.com/zzenonn/zstore-cluster/internal/checksum"
	"github.com/zzenonn/zstore-cluster/internal/domain"
	zerrors "github.com/zzenonn/zstore-cluster/internal/errors"
)

const (
	readBufferSize = 80 * 1024
	headerSize     = 512
)

// Classifier decides the content type of an object from its leading bytes.
type Classifier interface {
	Classify(header, firstChunk []byte, claimed, filename string) domain.ContentTypeResult
}

// Chunk is one buffered slice of the object.
type Chunk struct {
	Index    int
	Data     []byte
	Checksum string
}

func (c Chunk) Size() int64 {
	return int64(len(c.Data))
}

// Processed is the result of reading an upload stream to the end.
type Processed struct {
	Checksum string
	Size     int64
	Chunks   []Chunk
	Content  domain.ContentTypeResult
}

// Body returns a reader over every chunk in order, the whole object body.
func (p *Processed) Body() io.Reader {
	readers := make([]io.Reader, len(p.Chunks))
	for i, c := range p.Chunks {
		readers[i] = bytes.NewReader(c.Data)
	}
	return io.MultiReader(readers...)
}

// Pipeline is safe for concurrent use; each Process call owns its buffers.
type Pipeline struct {
	classifier Classifier
	chunkSize  int
	maxSize    int64
}

func NewPipeline(classifier Classifier, chunkSize int, maxSize int64) *Pipeline {
	return &Pipeline{
		classifier: classifier,
		chunkSize:  chunkSize,
		maxSize:    maxSize,
	}
}

// Process consumes r to the end. The filename hint falls back to key when empty.
// It fails with ObjectTooLarge as soon as more than the configured maximum has been read.
func (p *Pipeline) Process(ctx context.Context, r io.Reader, key, claimedContentType, filename string) (*Processed, error) {
	whole := checksum.New()
	var (
		chunks  []Chunk
		header  []byte
		current []byte
		size    int64
	)
	buf := make([]byte, readBufferSize)

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			data := buf[:n]
			size += int64(n)
			if p.maxSize > 0 && size > p.maxSize {
				return nil, zerrors.New(zerrors.CodeObjectTooLarge,
					"Object exceeds the maximum size of %d bytes", p.maxSize)
			}
			if header == nil {
				header = append([]byte(nil), data[:min(headerSize, n)]...)
			}
			whole.Write(data)

			for len(data) > 0 {
				take := min(p.chunkSize-len(current), len(data))
				current = append(current, data[:take]...)
				data = data[take:]
				if len(current) == p.chunkSize {
					chunks = append(chunks, newChunk(len(chunks), current))
					current = nil
				}
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
	}

	if len(current) > 0 {
		chunks = append(chunks, newChunk(len(chunks), current))
	}

	var firstChunk []byte
	if len(chunks) > 0 {
		firstChunk = chunks[0].Data
	}
	if filename == "" {
		filename = key
	}
	content := p.classifier.Classify(header, firstChunk, claimedContentType, filename)

	processed := &Processed{
		Checksum: checksum.Format(whole),
		Size:     size,
		Chunks:   chunks,
		Content:  content,
	}

	log.WithFields(log.Fields{
		"key":          key,
		"size":         size,
		"chunks":       len(chunks),
		"content_type": content.ContentType,
	}).Debug("Processed upload stream")

	return processed, nil
}

// ChooseStrategy replicates objects up to and including threshold bytes and erasure codes the rest.
func ChooseStrategy(size, threshold int64) domain.Strategy {
	if size <= threshold {
		return domain.StrategyReplicated
	}
	return domain.StrategyErasureCoded
}

func newChunk(index int, data []byte) Chunk {
	return Chunk{
		Index:    index,
		Data:     data,
		Checksum: checksum.Of(data),
	}
}
