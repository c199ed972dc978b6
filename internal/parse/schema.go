package parse

import (
	"encoding/json"
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// ErrInvalidResponse marks a parse response that does not match the
// expected shape.
var ErrInvalidResponse = errors.New("invalid parse response")

type rawChunk struct {
	Content *string         `json:"content"`
	Blocks  json.RawMessage `json:"blocks"`
}

// Validate implements validation.Validatable.
func (c rawChunk) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Content, validation.NotNil),
	)
}

type rawResult struct {
	Chunks []rawChunk `json:"chunks"`
}

// Validate implements validation.Validatable.
func (r rawResult) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Chunks, validation.NotNil),
	)
}

type rawResponse struct {
	Chunks []rawChunk `json:"chunks"`
	Result *rawResult `json:"result"`
}

// Chunk is one validated chunk of parse output, in response order.
type Chunk struct {
	Content string
	Blocks  json.RawMessage
}

// DecodeChunks validates a parse response body and returns its chunks in
// order. Chunks may sit at the top level or under "result". Missing blocks
// default to an empty JSON array.
func DecodeChunks(body []byte) ([]Chunk, error) {
	var resp rawResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	res := rawResult{Chunks: resp.Chunks}
	if res.Chunks == nil && resp.Result != nil {
		res = *resp.Result
	}
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	out := make([]Chunk, 0, len(res.Chunks))
	for i, c := range res.Chunks {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", ErrInvalidResponse, i, err)
		}
		blocks := c.Blocks
		if len(blocks) == 0 || string(blocks) == "null" {
			blocks = json.RawMessage("[]")
		}
		out = append(out, Chunk{Content: *c.Content, Blocks: blocks})
	}
	return out, nil
}
