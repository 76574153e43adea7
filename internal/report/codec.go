package report

import (
	"bytes"
	"encoding/json"
	"sync"

	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
)

// Codec encodes reports to JSON reusing buffers between calls
type Codec struct {
	buffers sync.Pool
}

// NewCodec creates a codec with an empty buffer pool
func NewCodec() *Codec {
	return &Codec{
		buffers: sync.Pool{New: func() any { return new(bytes.Buffer) }},
	}
}

// Encode marshals a report without the trailing newline json.Encoder adds
func (c *Codec) Encode(r ConsensusReport) ([]byte, error) {
	buf := c.buffers.Get().(*bytes.Buffer)
	buf.Reset()
	defer c.buffers.Put(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, errors.NewInternalError("failed to encode report", err)
	}

	data := bytes.TrimSuffix(buf.Bytes(), []byte("\n"))
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Decode parses a report produced by Encode
func (c *Codec) Decode(data []byte) (ConsensusReport, error) {
	var r ConsensusReport
	if err := json.Unmarshal(data, &r); err != nil {
		return ConsensusReport{}, errors.NewValidationError("invalid report encoding", err.Error())
	}
	return r, nil
}
