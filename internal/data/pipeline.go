// Package data provides the training dataset pipeline: a deterministic
// batch source with an explicit-advance iterator whose position is
// serializable into checkpoints.
//
// The iterator is a single mutable cursor advanced by exactly one
// Next() call per training step. There is no background prefetch;
// the loop driver sequences Next() strictly after the checkpoint save
// for the current step so that a persisted cursor and persisted model
// state always agree on the next batch to consume.
package data

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sort"
)

// Element is a single training example: named float vectors.
type Element map[string][]float64

// Batch is a fixed-size slice of elements consumed by one train step.
type Batch []Element

// ElementSpec describes the fields of an element and their dimensions.
type ElementSpec map[string]int

// FieldNames returns the spec's field names in sorted order.
func (s ElementSpec) FieldNames() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Cursor is the serializable position of a pipeline iterator.
// Position counts batches consumed since the start of the stream.
type Cursor struct {
	Position int64 `json:"position"`
}

// MarshalBinary encodes the cursor for checkpoint storage.
func (c Cursor) MarshalBinary() ([]byte, error) {
	return json.Marshal(c)
}

// UnmarshalBinary decodes a cursor from checkpoint storage.
func (c *Cursor) UnmarshalBinary(b []byte) error {
	return json.Unmarshal(b, c)
}

// Pipeline is a deterministic, random-access batch source.
//
// Batch contents are a pure function of (seed, position): the batch at
// any position is identical no matter how the iterator got there. This
// is what makes checkpoint resume exact - restoring a cursor replays
// the same batch sequence an uninterrupted run would have produced.
type Pipeline struct {
	seed       uint64
	batchSize  int
	spec       ElementSpec
	transforms []Transform
}

// NewPipeline creates a pipeline producing batches of batchSize
// elements shaped by spec. Transforms are applied to every element in
// declaration order.
func NewPipeline(seed uint64, batchSize int, spec ElementSpec, transforms ...Transform) (*Pipeline, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if len(spec) == 0 {
		return nil, fmt.Errorf("element spec must declare at least one field")
	}
	for name, dim := range spec {
		if dim <= 0 {
			return nil, fmt.Errorf("field %q: dimension must be positive, got %d", name, dim)
		}
	}
	return &Pipeline{
		seed:       seed,
		batchSize:  batchSize,
		spec:       spec,
		transforms: transforms,
	}, nil
}

// BatchSize returns the number of elements per batch.
func (p *Pipeline) BatchSize() int {
	return p.batchSize
}

// ElementSpec returns the spec of elements produced by the pipeline,
// before transforms are applied.
func (p *Pipeline) ElementSpec() ElementSpec {
	return p.spec
}

// Iter returns an iterator positioned at the given cursor. A zero
// cursor starts from the beginning of the stream.
func (p *Pipeline) Iter(cursor Cursor) *Iterator {
	return &Iterator{pipeline: p, position: cursor.Position}
}

// batchAt materializes the batch at an absolute position.
func (p *Pipeline) batchAt(position int64) (Batch, error) {
	// Seed the generator from (seed, position) so batches are
	// addressable independently of iteration history.
	rng := rand.New(rand.NewPCG(p.seed, uint64(position)))
	names := p.spec.FieldNames()

	batch := make(Batch, p.batchSize)
	for i := range batch {
		elem := make(Element, len(names))
		for _, name := range names {
			dim := p.spec[name]
			vec := make([]float64, dim)
			for d := range vec {
				vec[d] = rng.NormFloat64()
			}
			elem[name] = vec
		}
		for _, tr := range p.transforms {
			var err error
			elem, err = tr.Apply(elem)
			if err != nil {
				return nil, fmt.Errorf("transform %s at position %d: %w", tr.Name(), position, err)
			}
		}
		batch[i] = elem
	}
	return batch, nil
}

// Iterator is a forward-only cursor over a pipeline's batch stream.
// Not safe for concurrent use; the loop driver owns it.
type Iterator struct {
	pipeline *Pipeline
	position int64
}

// Next returns the batch at the current position and advances the
// cursor by one. This is the only operation that mutates the iterator.
func (it *Iterator) Next() (Batch, error) {
	batch, err := it.pipeline.batchAt(it.position)
	if err != nil {
		return nil, err
	}
	it.position++
	return batch, nil
}

// Cursor returns the position of the next batch Next() would yield.
// Checkpoint saves persist this value before the batch for the current
// step is fetched, so a restore replays that exact batch.
func (it *Iterator) Cursor() Cursor {
	return Cursor{Position: it.position}
}

// ElementSpec returns the spec of elements yielded by the iterator.
func (it *Iterator) ElementSpec() ElementSpec {
	return it.pipeline.ElementSpec()
}
