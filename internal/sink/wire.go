// Package sink delivers sequenced audio chunks to the recording sink
// over a gRPC stream and tracks durable acknowledgements.
package sink

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Chunk is one ordered unit of captured audio in transit to the sink.
type Chunk struct {
	Seq        uint64
	Data       []byte
	CapturedAt time.Time
}

// Frame field numbers. The envelope is deliberately tiny: the sink
// treats payload bytes as opaque.
const (
	fieldSeq        = 1
	fieldCapturedAt = 2
	fieldPayload    = 3
)

// encodeChunk renders a chunk into its wire envelope.
func encodeChunk(chunk Chunk) []byte {
	b := make([]byte, 0, len(chunk.Data)+24)
	b = protowire.AppendTag(b, fieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, chunk.Seq)
	b = protowire.AppendTag(b, fieldCapturedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(chunk.CapturedAt.UnixNano()))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, chunk.Data)
	return b
}

// decodeChunk parses a chunk envelope. Used by the in-process test sink.
func decodeChunk(raw []byte) (Chunk, error) {
	var chunk Chunk
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return Chunk{}, fmt.Errorf("chunk frame tag: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		switch {
		case num == fieldSeq && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return Chunk{}, fmt.Errorf("chunk frame seq: %w", protowire.ParseError(n))
			}
			chunk.Seq = v
			raw = raw[n:]
		case num == fieldCapturedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return Chunk{}, fmt.Errorf("chunk frame timestamp: %w", protowire.ParseError(n))
			}
			chunk.CapturedAt = time.Unix(0, int64(v))
			raw = raw[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(raw)
			if n < 0 {
				return Chunk{}, fmt.Errorf("chunk frame payload: %w", protowire.ParseError(n))
			}
			chunk.Data = append([]byte(nil), v...)
			raw = raw[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, raw)
			if n < 0 {
				return Chunk{}, fmt.Errorf("chunk frame field %d: %w", num, protowire.ParseError(n))
			}
			raw = raw[n:]
		}
	}
	return chunk, nil
}

// encodeAck renders a durable-receipt acknowledgement for one seq.
func encodeAck(seq uint64) []byte {
	b := protowire.AppendTag(nil, fieldSeq, protowire.VarintType)
	return protowire.AppendVarint(b, seq)
}

// decodeAck parses an acknowledgement envelope.
func decodeAck(raw []byte) (uint64, error) {
	for len(raw) > 0 {
		num, typ, n := protowire.ConsumeTag(raw)
		if n < 0 {
			return 0, fmt.Errorf("ack frame tag: %w", protowire.ParseError(n))
		}
		raw = raw[n:]

		if num == fieldSeq && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(raw)
			if n < 0 {
				return 0, fmt.Errorf("ack frame seq: %w", protowire.ParseError(n))
			}
			return v, nil
		}

		n = protowire.ConsumeFieldValue(num, typ, raw)
		if n < 0 {
			return 0, fmt.Errorf("ack frame field %d: %w", num, protowire.ParseError(n))
		}
		raw = raw[n:]
	}
	return 0, fmt.Errorf("ack frame missing seq")
}
